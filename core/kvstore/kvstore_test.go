// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	require := require.New(t)

	_, err := s.Get([]byte("a"))
	require.ErrorIs(err, ErrNotFound)

	for _, k := range []string{"c", "a", "b", "d"} {
		require.NoError(s.Put([]byte(k), []byte("v"+k), false))
	}
	v, err := s.Get([]byte("b"))
	require.NoError(err)
	require.Equal([]byte("vb"), v)

	it := s.NewIterator([]byte("a"), []byte("d"))
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(it.Error())
	it.Release()
	require.Equal([]string{"a", "b", "c"}, keys)

	require.NoError(s.Delete([]byte("b"), true))
	_, err = s.Get([]byte("b"))
	require.ErrorIs(err, ErrNotFound)

	require.NoError(s.Close())
}

func TestMemory(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	testStore(t, s)
}

func TestFile(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}
