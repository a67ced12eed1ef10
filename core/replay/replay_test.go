// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package replay

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func tag(i int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	h := sha256.Sum256(b[:])
	return h[:]
}

func TestIsReplay(t *testing.T) {
	require := require.New(t)

	f, err := New(16)
	require.NoError(err)

	require.False(f.IsReplay(tag(0)))
	require.True(f.IsReplay(tag(0)))
	require.False(f.IsReplay(tag(1)))

	require.True(f.IsReplay([]byte("short")), "malformed tags are replays")

	_, err = New(2)
	require.Error(err)
}

func TestRotation(t *testing.T) {
	require := require.New(t)

	f, err := New(10)
	require.NoError(err)

	n := 0
	for f.current.Entries() < f.current.MaxEntries() {
		f.IsReplay(tag(n))
		n++
	}
	require.Zero(f.Rotations())

	// The next insertion rotates, and the old generation is still
	// remembered.
	f.IsReplay(tag(n))
	require.Equal(uint64(1), f.Rotations())
	require.True(f.IsReplay(tag(n - 1)))
	require.True(f.IsReplay(tag(n)))
}

func TestReplayOnRotatingCall(t *testing.T) {
	require := require.New(t)

	f, err := New(10)
	require.NoError(err)

	n := 0
	for f.current.Entries() < f.current.MaxEntries() {
		require.False(f.IsReplay(tag(n)))
		n++
	}

	// The call that rotates must still see the saturated generation.
	require.True(f.IsReplay(tag(n - 1)))
	require.Equal(uint64(1), f.Rotations())
	require.True(f.IsReplay(tag(0)))
	require.False(f.IsReplay(tag(n)))
}
