// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package pending

import (
	"crypto/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/porelay/core/packet"
)

func newStore(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randomKey(t *testing.T) *[packet.KeyHalfSize]byte {
	var k [packet.KeyHalfSize]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return &k
}

func TestPutTake(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	k := randomKey(t)
	r := &Record{}
	r.OwnKeyHalf[0] = 1
	r.HashedPubKey[0] = 2
	r.Transaction[0] = 3
	require.NoError(s.Put(k, r))
	require.Equal(1, s.Len())

	got, err := s.Take(k)
	require.NoError(err)
	require.Equal(r.OwnKeyHalf, got.OwnKeyHalf)
	require.Equal(r.HashedPubKey, got.HashedPubKey)
	require.Equal(r.Transaction, got.Transaction)
	require.True(r.StoredAt.Equal(got.StoredAt))

	_, err = s.Take(k)
	require.ErrorIs(err, ErrUnknown)
	_, err = s.Take(randomKey(t))
	require.ErrorIs(err, ErrUnknown)
}

func TestTakeExactlyOnce(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	k := randomKey(t)
	require.NoError(s.Put(k, &Record{}))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(k); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(int32(1), ok.Load())
}

func TestPrune(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	now := time.Now()
	old := make([]*[packet.KeyHalfSize]byte, 3)
	for i := range old {
		old[i] = randomKey(t)
		require.NoError(s.Put(old[i], &Record{StoredAt: now.Add(-time.Hour)}))
	}
	fresh := randomKey(t)
	require.NoError(s.Put(fresh, &Record{StoredAt: now}))

	n, err := s.Prune(now.Add(-time.Minute))
	require.NoError(err)
	require.Equal(3, n)
	require.Equal(1, s.Len())

	_, err = s.Take(old[0])
	require.ErrorIs(err, ErrUnknown)
	_, err = s.Take(fresh)
	require.NoError(err)
}

func TestReopen(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "pending.db")
	s, err := New(f)
	require.NoError(err)
	k := randomKey(t)
	require.NoError(s.Put(k, &Record{}))
	require.NoError(s.Close())

	s, err = New(f)
	require.NoError(err)
	defer s.Close()
	_, err = s.Take(k)
	require.NoError(err)
}
