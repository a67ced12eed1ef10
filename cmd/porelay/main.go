// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/porelay/server"
	"github.com/katzenpost/porelay/server/config"
)

const settleTimeout = 5 * time.Minute

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	GenOnly      bool
	SettleOnExit bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "porelay",
		Short: "Proof-of-relay mixnet node",
		Long: `porelay is a relay node of a mix network whose relayers are paid per
forwarded packet over off-chain payment channels.

Each packet carries a payment for the next hop that can only be unlocked
with the key half the following hop releases in its acknowledgement, so
a relay is paid exactly when it proves it forwarded the packet.  Channel
states are kept locally and settled on the chain's payment channel
contract.`,
		Example: `  # Start the node with a custom configuration file
  porelay -f /etc/porelay/porelay.toml

  # Generate the node identity and exit
  porelay -f /etc/porelay/porelay.toml --generate-only

  # Close every payment channel on the chain when shutting down
  porelay -f /etc/porelay/porelay.toml --settle-on-exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "porelay.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the node identity and exit without starting the node")
	cmd.Flags().BoolVar(&cfg.SettleOnExit, "settle-on-exit", false,
		"close every known payment channel on the chain before exiting")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runServer(cfg Config) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		serverCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the node.
	svr, err := server.New(serverCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		if cfg.SettleOnExit {
			settle(svr)
		}
		svr.Shutdown()
	}()

	// Rotate the node's logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the node to explode or be terminated.
	svr.Wait()
	return nil
}

func settle(svr *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	received, err := svr.CloseAll(ctx)
	if received != nil {
		fmt.Fprintf(os.Stderr, "Settled channels, received %v.\n", received)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to settle channels: %v\n", err)
	}
}
