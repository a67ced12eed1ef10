// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package p2p

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/log"
)

const testProtocol = "/porelay/test/0.0.1"

func newNetwork(t *testing.T, bootstrap []string) (*Network, *identity.PrivateKey) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	key, err := identity.NewPrivateKey()
	require.NoError(err)

	n, err := New(&Config{
		Key:            key,
		Addresses:      []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: bootstrap,
		CacheSize:      8,
	}, logBackend)
	require.NoError(err)
	t.Cleanup(n.Halt)
	return n, key
}

func TestPeerIDMapping(t *testing.T) {
	require := require.New(t)

	key, err := identity.NewPrivateKey()
	require.NoError(err)
	id := key.PublicKey().PeerID()

	pid, err := ToPeerID(id)
	require.NoError(err)
	back, err := FromPeerID(pid)
	require.NoError(err)
	require.Equal(id, back)

	_, err = ToPeerID(identity.PeerID{})
	require.Error(err)
}

func TestStreams(t *testing.T) {
	require := require.New(t)

	server, serverKey := newNetwork(t, nil)
	client, clientKey := newNetwork(t, server.Addrs())

	remotes := make(chan identity.PeerID, 1)
	server.SetStreamHandler(testProtocol, func(remote identity.PeerID, s io.ReadWriteCloser) {
		defer s.Close()
		remotes <- remote
		var b [5]byte
		if _, err := io.ReadFull(s, b[:]); err != nil {
			return
		}
		s.Write(b[:])
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := client.FindPeer(ctx, serverKey.PublicKey().PeerID())
	require.NoError(err)
	require.NotEmpty(info.Addrs)

	s, err := client.Dial(ctx, info, testProtocol)
	require.NoError(err)
	defer s.Close()

	_, err = s.Write([]byte("hello"))
	require.NoError(err)
	var b [5]byte
	_, err = io.ReadFull(s, b[:])
	require.NoError(err)
	require.Equal("hello", string(b[:]))
	require.Equal(clientKey.PublicKey().PeerID(), <-remotes)
}

func TestFindPeerUnknown(t *testing.T) {
	n, _ := newNetwork(t, nil)
	other, err := identity.NewPrivateKey()
	require.NoError(t, err)

	_, err = n.FindPeer(context.Background(), other.PublicKey().PeerID())
	require.ErrorIs(t, err, ErrPeerNotFound)
}
