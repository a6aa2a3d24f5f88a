// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/mixarq/common"
	"github.com/katzenpost/mixarq/config"
	klog "github.com/katzenpost/mixarq/core/log"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "mixarq",
		Short: "Reliable TCP forwarding over a simulated mixnet",
		Long: `mixarq forwards local TCP connections to a target address through a
simulated mix network that delays, reorders and drops packets.

Every fragment carries an encrypted acknowledgement identifier. Fragments
that are not acknowledged in time are retransmitted with exponential
backoff until the retransmission budget is spent, and each connection
is reassembled in order at the far end.`,
		Example: `  # Forward with the configuration in the current directory
  mixarq

  # Forward with a custom configuration file
  mixarq -f /etc/mixarq/mixarq.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "mixarq.toml",
		"path to the configuration file (TOML format)")

	return cmd
}

func main() {
	common.ExecuteWithFang(context.Background(), newRootCommand())
}

func run(cfg Config) error {
	tunnelCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	backend, err := klog.New(tunnelCfg.Logging.File, tunnelCfg.Logging.Level, tunnelCfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	defer backend.Close()

	t, err := newTunnel(backend, tunnelCfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := backend.Rotate(); err != nil {
				t.log.Errorf("Failed to rotate log: %v", err)
			}
			continue
		}
		t.log.Infof("Received %v, shutting down.", sig)
		break
	}
	t.Halt()
	return nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
