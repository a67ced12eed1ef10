// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the porelay node configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/net/idna"
)

const (
	defaultAddress          = "/ip4/0.0.0.0/tcp/9091"
	defaultLogLevel         = "NOTICE"
	defaultAckTimeout       = 10 * 1000 // 10 sec.
	defaultReplayFilterSize = 23
	defaultPendingTTL       = 24 * 60 * 60 * 1000 // 24 hours.
	defaultPruneInterval    = 10 * 60 * 1000      // 10 min.
	defaultPeerCacheSize    = 256
	defaultRelayFee         = "1"
	defaultChainID          = 1

	// DeltaBaseRestore and DeltaBaseSubmitted are the accepted values
	// of Payments.DeltaBase.
	DeltaBaseRestore   = "restore"
	DeltaBaseSubmitted = "submitted"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the porelay node configuration.
type Server struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Addresses are the multiaddrs the node listens on.
	Addresses []string

	// BootstrapPeers are the multiaddrs, including the /p2p/ component,
	// of the peers dialed on startup.
	BootstrapPeers []string

	// IsBootstrapNode makes the node only serve peer discovery, it does
	// not relay packets.
	IsBootstrapNode bool

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range sCfg.Addresses {
		if _, err := multiaddr.NewMultiaddr(v); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
	}
	for _, v := range sCfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(v)
		if err != nil {
			return fmt.Errorf("config: Server: BootstrapPeer '%v' is invalid: %v", v, err)
		}
		if _, err := ma.ValueForProtocol(multiaddr.P_P2P); err != nil {
			return fmt.Errorf("config: Server: BootstrapPeer '%v' has no peer id", v)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Logging is the porelay node logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Payments is the payment channel and settlement configuration.
type Payments struct {
	// Disable runs the node without a settlement backend.  Payments are
	// still exchanged and recorded but channels can not be closed.
	Disable bool

	// Provider is the URL of the chain's JSON-RPC (ws/wss for event
	// subscriptions) endpoint.
	Provider string

	// ContractAddress is the hex address of the payment channel contract.
	ContractAddress string

	// ChainID is the EIP-155 chain id used to sign submissions.
	ChainID int64

	// RelayFee is the amount, as a decimal string, paid to the next hop
	// for each relayed packet.
	RelayFee string

	// DeltaBase is the baseline settlement deltas are measured against,
	// either "restore" or "submitted".
	DeltaBase string

	fee *uint256.Int
}

// Fee returns the parsed RelayFee.
func (pCfg *Payments) Fee() *uint256.Int {
	return new(uint256.Int).Set(pCfg.fee)
}

// Contract returns the parsed ContractAddress.
func (pCfg *Payments) Contract() common.Address {
	return common.HexToAddress(pCfg.ContractAddress)
}

func (pCfg *Payments) applyDefaults() {
	if pCfg.RelayFee == "" {
		pCfg.RelayFee = defaultRelayFee
	}
	if pCfg.DeltaBase == "" {
		pCfg.DeltaBase = DeltaBaseRestore
	}
	if pCfg.ChainID <= 0 {
		pCfg.ChainID = defaultChainID
	}
}

func (pCfg *Payments) validate() error {
	var err error
	if pCfg.fee, err = uint256.FromDecimal(pCfg.RelayFee); err != nil {
		return fmt.Errorf("config: Payments: RelayFee '%v' is invalid: %v", pCfg.RelayFee, err)
	}
	switch pCfg.DeltaBase {
	case DeltaBaseRestore, DeltaBaseSubmitted:
	default:
		return fmt.Errorf("config: Payments: DeltaBase '%v' is invalid", pCfg.DeltaBase)
	}
	if pCfg.Disable {
		return nil
	}
	u, err := url.Parse(pCfg.Provider)
	if err != nil {
		return fmt.Errorf("config: Payments: Provider '%v' is invalid: %v", pCfg.Provider, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("config: Payments: Provider '%v' has unsupported scheme", pCfg.Provider)
	}
	if !common.IsHexAddress(pCfg.ContractAddress) {
		return fmt.Errorf("config: Payments: ContractAddress '%v' is invalid", pCfg.ContractAddress)
	}
	return nil
}

// Debug is the porelay node debug configuration.
type Debug struct {
	// AckTimeout is the time a forwarding hop waits for the next hop's
	// acknowledgement in milliseconds.
	AckTimeout int

	// ReplayFilterSize is the log2 of the number of bits in each of the
	// two rotating replay filters.
	ReplayFilterSize int

	// PendingTTL is the age in milliseconds after which an unacknowledged
	// pending transaction is discarded.
	PendingTTL int

	// PruneInterval is the interval at which pending transactions are
	// pruned in milliseconds.
	PruneInterval int

	// PeerCacheSize is the number of resolved peers cached by the
	// transport.
	PeerCacheSize int

	// GenerateOnly halts and cleans up the node right after long term
	// key generation.
	GenerateOnly bool
}

// AckTimeoutDuration returns AckTimeout as a time.Duration.
func (dCfg *Debug) AckTimeoutDuration() time.Duration {
	return time.Duration(dCfg.AckTimeout) * time.Millisecond
}

// PendingTTLDuration returns PendingTTL as a time.Duration.
func (dCfg *Debug) PendingTTLDuration() time.Duration {
	return time.Duration(dCfg.PendingTTL) * time.Millisecond
}

// PruneIntervalDuration returns PruneInterval as a time.Duration.
func (dCfg *Debug) PruneIntervalDuration() time.Duration {
	return time.Duration(dCfg.PruneInterval) * time.Millisecond
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.AckTimeout <= 0 {
		dCfg.AckTimeout = defaultAckTimeout
	}
	if dCfg.ReplayFilterSize <= 0 {
		dCfg.ReplayFilterSize = defaultReplayFilterSize
	}
	if dCfg.PendingTTL <= 0 {
		dCfg.PendingTTL = defaultPendingTTL
	}
	if dCfg.PruneInterval <= 0 {
		dCfg.PruneInterval = defaultPruneInterval
	}
	if dCfg.PeerCacheSize <= 0 {
		dCfg.PeerCacheSize = defaultPeerCacheSize
	}
}

func (dCfg *Debug) validate() error {
	if dCfg.ReplayFilterSize < 10 {
		return fmt.Errorf("config: Debug: ReplayFilterSize %v is too small", dCfg.ReplayFilterSize)
	}
	return nil
}

// Config is the top level porelay node configuration.
type Config struct {
	Server   *Server
	Logging  *Logging
	Payments *Payments
	Debug    *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Payments == nil {
		cfg.Payments = &Payments{Disable: true}
	}
	cfg.Payments.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Payments.validate(); err != nil {
		return err
	}
	if err := cfg.Debug.validate(); err != nil {
		return err
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
