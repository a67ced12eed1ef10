// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the porelay node.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/kvstore"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/packet"
	"github.com/katzenpost/porelay/core/replay"
	"github.com/katzenpost/porelay/core/retry"
	"github.com/katzenpost/porelay/core/worker"
	"github.com/katzenpost/porelay/server/config"
	"github.com/katzenpost/porelay/server/internal/channels"
	"github.com/katzenpost/porelay/server/internal/ethoracle"
	"github.com/katzenpost/porelay/server/internal/glue"
	"github.com/katzenpost/porelay/server/internal/instrument"
	"github.com/katzenpost/porelay/server/internal/p2p"
	"github.com/katzenpost/porelay/server/internal/pending"
	"github.com/katzenpost/porelay/server/internal/profiling"
	"github.com/katzenpost/porelay/server/internal/relay"
	"github.com/katzenpost/porelay/server/internal/settlement"
)

const (
	identityPrivateKeyFile = "identity.private.pem"
	identityPublicKeyFile  = "identity.public.pem"
	pendingFile            = "pending.db"
	channelsDir            = "channels"

	startupTimeout = 30 * time.Second
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// ErrPaymentsDisabled is the error returned by settlement operations when
// the node runs without a settlement backend.
var ErrPaymentsDisabled = errors.New("server: payments are disabled")

// Server is a porelay node.
type Server struct {
	worker.Worker

	cfg *config.Config

	identityKey *identity.PrivateKey

	logBackend *log.Backend
	log        *logging.Logger

	filter     *replay.Filter
	pending    *pending.Store
	store      *kvstore.LevelDB
	ledger     *channels.Ledger
	oracle     *ethoracle.Oracle
	settlement *settlement.Controller
	network    *p2p.Network
	relay      *relay.Handler

	metrics       *http.Server
	stopProfiling func()

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) IdentityKey() *identity.PrivateKey {
	return g.s.identityKey
}

func (g *serverGlue) Network() glue.Network {
	return g.s.network
}

func (g *serverGlue) Pending() *pending.Store {
	return g.s.pending
}

func (g *serverGlue) Ledger() *channels.Ledger {
	return g.s.ledger
}

func (g *serverGlue) ReplayFilter() *replay.Filter {
	return g.s.filter
}

func (g *serverGlue) Settlement() *settlement.Controller {
	return g.s.settlement
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initPayments(ctx context.Context) error {
	pCfg := s.cfg.Payments
	if pCfg.Disable {
		s.log.Warning("Payments are disabled, channels can not be settled.")
		return nil
	}

	err := retry.Default.Do(ctx, func(ctx context.Context) error {
		var err error
		s.oracle, err = ethoracle.Dial(ctx, pCfg.Provider, s.identityKey, big.NewInt(pCfg.ChainID), pCfg.Contract(), s.logBackend)
		if err != nil {
			s.log.Warningf("Failed to dial provider '%v': %v", pCfg.Provider, err)
		}
		return err
	})
	if err != nil {
		return err
	}
	s.settlement, err = settlement.New(&settlement.Config{
		Oracle:    s.oracle,
		Ledger:    s.ledger,
		Contract:  pCfg.Contract(),
		DeltaBase: settlement.DeltaBase(pCfg.DeltaBase),
	}, s.logBackend)
	if err != nil {
		return err
	}
	if err = s.settlement.Resync(ctx); err != nil {
		return err
	}

	// Watch every known channel for being closed by the counterparty.
	for e, err := range s.ledger.Channels() {
		if err != nil {
			s.log.Errorf("Skipping channel: %v", err)
			continue
		}
		if _, err := s.settlement.Subscribe(s.Context(), e.ID); err != nil {
			s.log.Warningf("%v", err)
		}
	}
	return nil
}

func (s *Server) pruneWorker() {
	ttl := s.cfg.Debug.PendingTTLDuration()
	ticker := time.NewTicker(s.cfg.Debug.PruneIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
		}
		n, err := s.pending.Prune(time.Now().Add(-ttl))
		if err != nil {
			s.log.Errorf("Failed to prune pending transactions: %v", err)
			continue
		}
		if n > 0 {
			s.log.Debugf("Pruned %d unacknowledged pending transactions.", n)
		}
		instrument.PendingRecords(s.pending.Len())
	}
}

// IdentityKey returns the node's identity key.
func (s *Server) IdentityKey() *identity.PrivateKey {
	return s.identityKey
}

// Addrs returns the multiaddrs the node is reachable at.
func (s *Server) Addrs() []string {
	return s.network.Addrs()
}

// Ledger returns the node's payment channel ledger.
func (s *Server) Ledger() *channels.Ledger {
	return s.ledger
}

// Send sends msg over route.
func (s *Server) Send(ctx context.Context, route []*identity.PublicKey, msg *packet.Message) error {
	return s.relay.Send(ctx, route, msg)
}

// OpenChannel opens a channel with peer, depositing funds.  With payments
// disabled the channel is only recorded off-chain by both nodes.
func (s *Server) OpenChannel(ctx context.Context, peer *identity.PublicKey, funds *uint256.Int) (identity.ChannelID, error) {
	return s.relay.OpenChannel(ctx, peer, funds)
}

// RequestClose closes channel id on the settlement ledger.
func (s *Server) RequestClose(ctx context.Context, id identity.ChannelID, useRestoreTx bool) (*big.Int, error) {
	if s.settlement == nil {
		return nil, ErrPaymentsDisabled
	}
	return s.settlement.RequestClose(ctx, id, useRestoreTx)
}

// CloseAll closes every known channel on the settlement ledger.
func (s *Server) CloseAll(ctx context.Context) (*big.Int, error) {
	if s.settlement == nil {
		return nil, ErrPaymentsDisabled
	}
	return s.settlement.CloseAll(ctx)
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop accepting packets first, then the components they use.
	if s.relay != nil {
		s.relay.Halt()
	}
	if s.network != nil {
		s.network.Halt()
	}
	if s.settlement != nil {
		s.settlement.Shutdown()
	}
	if s.oracle != nil {
		s.oracle.Close()
	}
	s.Halt()
	if s.pending != nil {
		if err := s.pending.Close(); err != nil {
			s.log.Errorf("Failed to close pending store: %v", err)
		}
		s.pending = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Errorf("Failed to close channel store: %v", err)
		}
		s.store = nil
	}
	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}
	if s.stopProfiling != nil {
		s.stopProfiling()
	}
	s.identityKey.Reset()

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("porelay proof-of-relay node")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	// Initialize the identity key.
	var err error
	s.identityKey, err = identity.Load(
		filepath.Join(s.cfg.Server.DataDir, identityPrivateKeyFile),
		filepath.Join(s.cfg.Server.DataDir, identityPublicKeyFile),
	)
	if err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Node identity: %v (%v)", s.identityKey.PublicKey(), s.identityKey.PublicKey().Address().Hex())

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.stopProfiling, err = profiling.Start(s.cfg.Server.Identifier, s.logBackend.GetLogger("profiling")); err != nil {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}
	if s.metrics, err = instrument.StartListener(s.cfg.Server.MetricsAddress, s.logBackend); err != nil {
		s.log.Errorf("Failed to start metrics listener: %v", err)
		return nil, err
	}

	if s.filter, err = replay.New(s.cfg.Debug.ReplayFilterSize); err != nil {
		return nil, err
	}
	if s.pending, err = pending.New(filepath.Join(s.cfg.Server.DataDir, pendingFile)); err != nil {
		s.log.Errorf("Failed to open pending store: %v", err)
		return nil, err
	}
	instrument.PendingRecords(s.pending.Len())
	if s.store, err = kvstore.Open(filepath.Join(s.cfg.Server.DataDir, channelsDir)); err != nil {
		s.log.Errorf("Failed to open channel store: %v", err)
		return nil, err
	}
	s.ledger = channels.New(s.store, s.identityKey, s.logBackend)

	ctx, cancel := context.WithTimeout(s.Context(), startupTimeout)
	defer cancel()
	if err = s.initPayments(ctx); err != nil {
		s.log.Errorf("Failed to initialize payments: %v", err)
		return nil, err
	}

	s.network, err = p2p.New(&p2p.Config{
		Key:            s.identityKey,
		Addresses:      s.cfg.Server.Addresses,
		BootstrapPeers: s.cfg.Server.BootstrapPeers,
		CacheSize:      s.cfg.Debug.PeerCacheSize,
	}, s.logBackend)
	if err != nil {
		s.log.Errorf("Failed to start network: %v", err)
		return nil, err
	}

	s.relay = relay.New(&serverGlue{s}, nil)
	s.Go(s.pruneWorker)

	isOk = true
	return s, nil
}
