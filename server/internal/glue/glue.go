// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"context"
	"io"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/replay"
	"github.com/katzenpost/porelay/server/config"
	"github.com/katzenpost/porelay/server/internal/channels"
	"github.com/katzenpost/porelay/server/internal/pending"
	"github.com/katzenpost/porelay/server/internal/settlement"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	IdentityKey() *identity.PrivateKey

	Network() Network
	Pending() *pending.Store
	Ledger() *channels.Ledger
	ReplayFilter() *replay.Filter

	// Settlement is nil when payments are disabled.
	Settlement() *settlement.Controller
}

// PeerInfo is a resolved peer.
type PeerInfo struct {
	ID    identity.PeerID
	Addrs []string
}

// StreamHandler serves one inbound protocol stream.  The handler owns
// the stream and must close it.
type StreamHandler func(remote identity.PeerID, s io.ReadWriteCloser)

// Network is the peer transport.
type Network interface {
	Halt()
	FindPeer(ctx context.Context, id identity.PeerID) (*PeerInfo, error)
	Dial(ctx context.Context, p *PeerInfo, protocol string) (io.ReadWriteCloser, error)
	SetStreamHandler(protocol string, h StreamHandler)
	RemoveStreamHandler(protocol string)
}
