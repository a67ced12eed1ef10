// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package p2p implements the node's transport on top of a libp2p host.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/retry"
	"github.com/katzenpost/porelay/core/worker"
	"github.com/katzenpost/porelay/server/internal/glue"
)

// ErrPeerNotFound is the error returned when no address is known for a
// peer.
var ErrPeerNotFound = errors.New("p2p: peer not found")

// Config is the transport configuration.
type Config struct {
	Key            *identity.PrivateKey
	Addresses      []string
	BootstrapPeers []string
	CacheSize      int
}

// Network is a glue.Network backed by a libp2p host.
type Network struct {
	worker.Worker

	log   *logging.Logger
	host  host.Host
	cache *lru.ARCCache
}

// New creates the libp2p host, listening on cfg.Addresses, and starts
// connecting to the bootstrap peers in the background.
func New(cfg *Config, logBackend *log.Backend) (*Network, error) {
	priv, err := crypto.UnmarshalSecp256k1PrivateKey(cfg.Key.Bytes())
	if err != nil {
		return nil, err
	}
	cache, err := lru.NewARC(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	var bootstrap []*peer.AddrInfo
	for _, v := range cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(v)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid bootstrap peer '%v': %w", v, err)
		}
		bootstrap = append(bootstrap, info)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.Addresses...),
	)
	if err != nil {
		return nil, err
	}

	n := &Network{
		log:   logBackend.GetLogger("p2p"),
		host:  h,
		cache: cache,
	}
	n.log.Noticef("Peer %v listening on %v.", h.ID(), h.Addrs())

	for _, info := range bootstrap {
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		n.Go(func() {
			n.connectBootstrap(info)
		})
	}
	return n, nil
}

func (n *Network) connectBootstrap(info *peer.AddrInfo) {
	err := retry.Default.Do(n.Context(), func(ctx context.Context) error {
		return n.host.Connect(ctx, *info)
	})
	if err != nil {
		n.log.Warningf("Failed to connect to bootstrap peer %v: %v", info.ID, err)
		return
	}
	n.log.Noticef("Connected to bootstrap peer %v.", info.ID)
}

// Addrs returns the full multiaddrs, including the /p2p/ component, the
// node is reachable at.
func (n *Network) Addrs() []string {
	var s []string
	for _, a := range n.host.Addrs() {
		s = append(s, fmt.Sprintf("%v/p2p/%v", a, n.host.ID()))
	}
	return s
}

// Halt closes the host and every open stream.
func (n *Network) Halt() {
	n.Worker.Halt()
	if err := n.host.Close(); err != nil {
		n.log.Warningf("Failed to close host: %v", err)
	}
}

// FindPeer resolves id from the cache or the host's peerstore.
func (n *Network) FindPeer(_ context.Context, id identity.PeerID) (*glue.PeerInfo, error) {
	if v, ok := n.cache.Get(id); ok {
		return v.(*glue.PeerInfo), nil
	}
	pid, err := ToPeerID(id)
	if err != nil {
		return nil, err
	}
	addrs := n.host.Peerstore().Addrs(pid)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrPeerNotFound, pid)
	}
	info := &glue.PeerInfo{ID: id}
	for _, a := range addrs {
		info.Addrs = append(info.Addrs, a.String())
	}
	n.cache.Add(id, info)
	return info, nil
}

// Dial opens a stream speaking protocol to p.
func (n *Network) Dial(ctx context.Context, p *glue.PeerInfo, proto string) (io.ReadWriteCloser, error) {
	pid, err := ToPeerID(p.ID)
	if err != nil {
		return nil, err
	}
	info := peer.AddrInfo{ID: pid}
	for _, v := range p.Addrs {
		a, err := multiaddr.NewMultiaddr(v)
		if err != nil {
			return nil, err
		}
		info.Addrs = append(info.Addrs, a)
	}
	if err := n.host.Connect(ctx, info); err != nil {
		n.cache.Remove(p.ID)
		return nil, err
	}
	return n.host.NewStream(ctx, pid, protocol.ID(proto))
}

// SetStreamHandler registers h for inbound streams speaking proto.
func (n *Network) SetStreamHandler(proto string, h glue.StreamHandler) {
	n.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		remote, err := FromPeerID(s.Conn().RemotePeer())
		if err != nil {
			n.log.Debugf("Rejecting stream from %v: %v", s.Conn().RemotePeer(), err)
			s.Reset()
			return
		}
		h(remote, s)
	})
}

// RemoveStreamHandler unregisters the handler for proto.
func (n *Network) RemoveStreamHandler(proto string) {
	n.host.RemoveStreamHandler(protocol.ID(proto))
}

// ToPeerID maps a node identity onto its libp2p peer id.
func ToPeerID(id identity.PeerID) (peer.ID, error) {
	pub, err := crypto.UnmarshalSecp256k1PublicKey(id[:])
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// FromPeerID recovers the node identity of a secp256k1 libp2p peer id.
func FromPeerID(pid peer.ID) (identity.PeerID, error) {
	var id identity.PeerID
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return id, err
	}
	if pub.Type() != crypto.Secp256k1 {
		return id, fmt.Errorf("p2p: unsupported key type %v", pub.Type())
	}
	raw, err := pub.Raw()
	if err != nil {
		return id, err
	}
	if len(raw) != identity.PublicKeySize {
		return id, identity.ErrInvalidPublicKey
	}
	copy(id[:], raw)
	return id, nil
}
