// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixarq/config"
	klog "github.com/katzenpost/mixarq/core/log"
)

func echoServer(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l
}

func testTunnelConfig(t *testing.T, target string) *config.Config {
	body := fmt.Sprintf(`[Logging]
  Disable = true

[ARQ]
  MixHops = 2
  AverageHopDelay = 2
  RoundTripSlop = 200
  MaxRetransmissions = 20
  DrainPeriod = 50
  AckSecret = "tunnel test"

[Proxy]
  ListenAddress = "127.0.0.1:0"
  TargetAddress = %q
  PayloadSize = 512
  KeepaliveInterval = 1000
  InactivityTimeout = 5000
  LowWaterMark = 64
  LanePollInterval = 5
  DrainPollInterval = 10
  DrainTimeout = 5000
  CloseSettleDelay = 10
  ShutdownTimeout = 200

[Network]
  DropRate = 0.1
  AverageSendDelay = 1
  MaxSendDelay = 5
  DisableCover = true

[Journal]
  Path = %q
`, target, filepath.Join(t.TempDir(), "journal.db"))
	cfg, err := config.Load([]byte(body))
	require.NoError(t, err)
	return cfg
}

func TestTunnelEcho(t *testing.T) {
	require := require.New(t)

	target := echoServer(t)
	defer target.Close()

	backend, err := klog.New("", "DEBUG", true)
	require.NoError(err)
	tun, err := newTunnel(backend, testTunnelConfig(t, target.Addr().String()))
	require.NoError(err)
	defer tun.Halt()

	conn, err := net.Dial("tcp", tun.Addr().String())
	require.NoError(err)
	defer conn.Close()
	require.NoError(conn.SetDeadline(time.Now().Add(time.Minute)))

	msg := make([]byte, 4096)
	for i := range msg {
		msg[i] = byte(i)
	}
	_, err = conn.Write(msg)
	require.NoError(err)

	reply := make([]byte, len(msg))
	_, err = io.ReadFull(conn, reply)
	require.NoError(err)
	require.Equal(msg, reply)
}
