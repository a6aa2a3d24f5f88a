// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/arq"
	"github.com/katzenpost/mixarq/config"
	klog "github.com/katzenpost/mixarq/core/log"
	"github.com/katzenpost/mixarq/core/worker"
	"github.com/katzenpost/mixarq/instrument"
	"github.com/katzenpost/mixarq/journal"
	"github.com/katzenpost/mixarq/lanes"
	"github.com/katzenpost/mixarq/session"
	"github.com/katzenpost/mixarq/simnet"
)

const (
	clientName = "client"
	serverName = "server"
)

// tunnel forwards local TCP connections through a simulated mixnet to
// the target address, one reliable session at each end.
type tunnel struct {
	worker.Worker

	log *log.Logger
	cfg *config.Config

	metrics *http.Server
	journal *journal.Journal
	network *simnet.Network
	client  *simnet.Node
	server  *simnet.Node

	listener   net.Listener
	nextConnID atomic.Uint64
}

func newTunnel(backend *klog.Backend, cfg *config.Config) (*tunnel, error) {
	t := &tunnel{
		log: backend.GetLogger("mixarq"),
		cfg: cfg,
	}

	var err error
	if cfg.Metrics.Address != "" {
		if t.metrics, err = instrument.Init(cfg.Metrics.Address); err != nil {
			return nil, err
		}
		t.log.Infof("Serving metrics on http://%s/metrics", t.metrics.Addr)
	}

	events := arq.Fanout{arq.EventSinkFunc(t.onDeliveryEvent)}
	if cfg.Journal.Path != "" {
		if t.journal, err = journal.Open(backend.GetLogger("journal"), cfg.Journal.Path); err != nil {
			t.halt()
			return nil, err
		}
		events = append(events, t.journal)
	}

	t.network = simnet.NewNetwork(backend.GetLogger("network"), cfg.NetworkConfig())
	nodeCfg := func(name, peer string) *simnet.NodeConfig {
		return &simnet.NodeConfig{
			Name: name,
			Peer: peer,
			Session: &session.Config{
				Secret:      []byte(cfg.ARQ.AckSecret),
				Scheduler:   cfg.ARQ.Scheduler(),
				DrainPeriod: millis(cfg.ARQ.DrainPeriod),
				Events:      events,
			},
			OutQueue: cfg.OutQueueConfig(),
			Proxy:    cfg.Proxy.RunnerConfig(),
		}
	}
	if t.client, err = simnet.NewNode(backend, nodeCfg(clientName, serverName), t.network, nil); err != nil {
		t.halt()
		return nil, err
	}
	if t.server, err = simnet.NewNode(backend, nodeCfg(serverName, clientName), t.network, t.onNewConnection); err != nil {
		t.halt()
		return nil, err
	}

	if t.listener, err = net.Listen("tcp", cfg.Proxy.ListenAddress); err != nil {
		t.halt()
		return nil, err
	}
	t.client.Start()
	t.server.Start()
	t.Go(t.acceptWorker)
	t.log.Infof("Forwarding %v to %v.", t.listener.Addr(), cfg.Proxy.TargetAddress)
	return t, nil
}

// Addr returns the address local connections are accepted on.
func (t *tunnel) Addr() net.Addr {
	return t.listener.Addr()
}

// Halt stops accepting, waits for the proxied connections to be torn down
// and stops every component.
func (t *tunnel) Halt() {
	if t.listener != nil {
		t.listener.Close()
	}
	t.Worker.Halt()
	t.halt()
}

func (t *tunnel) halt() {
	if t.client != nil {
		t.client.Halt()
	}
	if t.server != nil {
		t.server.Halt()
	}
	if t.network != nil {
		t.network.Halt()
	}
	if t.journal != nil {
		if delivered, failed, err := t.journal.Stats(); err == nil {
			t.log.Infof("Journal: %d fragments delivered, %d lost.", delivered, failed)
		}
		t.journal.Halt()
	}
	if t.metrics != nil {
		t.metrics.Close()
	}
}

func (t *tunnel) acceptWorker() {
	ctx := t.HaltContext()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		connID := lanes.ConnectionID(t.nextConnID.Add(1))
		t.log.Debugf("Accepted connection %d from %v.", connID, conn.RemoteAddr())
		t.Go(func() {
			if err := t.client.Connect(ctx, connID, conn); err != nil {
				t.log.Warnf("Connection %d: %v", connID, err)
			}
		})
	}
}

func (t *tunnel) onNewConnection(connID lanes.ConnectionID, incoming <-chan []byte) {
	select {
	case <-t.HaltCh():
		t.server.Endpoint.Unregister(connID)
		return
	default:
	}
	t.Go(func() {
		ctx := t.HaltContext()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", t.cfg.Proxy.TargetAddress)
		if err != nil {
			t.log.Errorf("Connection %d: failed to reach %v: %v", connID, t.cfg.Proxy.TargetAddress, err)
			t.server.Endpoint.Unregister(connID)
			return
		}
		if err := t.server.Serve(ctx, connID, conn, incoming); err != nil {
			t.log.Warnf("Connection %d: %v", connID, err)
		}
	})
}

func (t *tunnel) onDeliveryEvent(ev *arq.DeliveryEvent) {
	if ev.Err != nil {
		t.log.Warnf("Fragment %v on lane %v lost: %v", ev.ID, ev.Lane, ev.Err)
	}
}
