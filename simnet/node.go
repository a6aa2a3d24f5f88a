// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package simnet

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/arq"
	"github.com/katzenpost/mixarq/lanes"
	"github.com/katzenpost/mixarq/proxy"
	"github.com/katzenpost/mixarq/session"
)

const ackBacklog = 64

// NodeConfig configures one end of a simulated mixnet conversation.
type NodeConfig struct {
	// Name is the network address of the node, Peer the address its
	// packets are sent to.
	Name string
	Peer string

	Session  *session.Config
	OutQueue *OutQueueConfig
	Proxy    *proxy.Config
}

// Node is a mixnet client attached to a Network: a session, its sending
// stage and its receiving endpoint.
type Node struct {
	log  *log.Logger
	logs session.LoggerFactory
	cfg  *NodeConfig

	Session  *session.Session
	OutQueue *OutQueue
	Endpoint *Endpoint

	acks chan [][]byte

	connsLock sync.Mutex
	conns     map[lanes.ConnectionID]*proxy.Connection
}

// NewNode attaches a node to network.  onNew is called for connections
// opened by the peer and may be nil.
func NewNode(logs session.LoggerFactory, cfg *NodeConfig, network *Network, onNew NewConnectionFunc) (*Node, error) {
	n := &Node{
		log:   logs.GetLogger(cfg.Name + "/node"),
		logs:  logs,
		cfg:   cfg,
		acks:  make(chan [][]byte, ackBacklog),
		conns: make(map[lanes.ConnectionID]*proxy.Connection),
	}
	sessCfg := *cfg.Session
	sessCfg.Name = cfg.Name
	sessCfg.Events = arq.Fanout{cfg.Session.Events, arq.EventSinkFunc(n.onDeliveryEvent)}
	var err error
	if n.Session, err = session.New(logs, &sessCfg, n.acks); err != nil {
		return nil, err
	}

	oqCfg := *cfg.OutQueue
	oqCfg.Src = cfg.Name
	oqCfg.Dst = cfg.Peer
	n.OutQueue = NewOutQueue(logs.GetLogger(cfg.Name+"/outqueue"), &oqCfg, n.Session.Key(), network, n.Session.Controller().Sender(), n.Session.Lanes())
	n.Endpoint = NewEndpoint(logs.GetLogger(cfg.Name+"/endpoint"), onNew)
	network.Attach(cfg.Name, n.acks, n.Endpoint.HandlePacket)
	return n, nil
}

// Start starts the session and the sending stage.
func (n *Node) Start() {
	n.Session.Start(n.OutQueue)
	n.OutQueue.Start()
}

// Halt stops the sending stage, then the session.
func (n *Node) Halt() {
	n.OutQueue.Halt()
	n.Session.Halt()
}

// Connect proxies conn to the peer as connection connID.
func (n *Node) Connect(ctx context.Context, connID lanes.ConnectionID, conn io.ReadWriteCloser) error {
	return n.Serve(ctx, connID, conn, n.Endpoint.Register(connID))
}

// Serve proxies conn as connection connID, reading the peer's messages
// from incoming.  It returns once the connection is finished.
func (n *Node) Serve(ctx context.Context, connID lanes.ConnectionID, conn io.ReadWriteCloser, incoming <-chan []byte) error {
	defer n.Endpoint.Unregister(connID)
	n.log.Debugf("Proxying connection %d.", connID)
	c := proxy.NewConnection(n.logs.GetLogger(fmt.Sprintf("%s/proxy", n.cfg.Name)), n.cfg.Proxy, connID, conn, incoming, n.OutQueue, n.Session.Lanes())
	n.connsLock.Lock()
	n.conns[connID] = c
	n.connsLock.Unlock()
	defer func() {
		n.connsLock.Lock()
		delete(n.conns, connID)
		n.connsLock.Unlock()
	}()
	return c.Run(ctx)
}

// onDeliveryEvent aborts the connection a lost fragment belonged to, its
// stream can not make progress past the gap.
func (n *Node) onDeliveryEvent(ev *arq.DeliveryEvent) {
	if ev.Delivered || ev.Lane.Kind != lanes.ConnectionKind {
		return
	}
	n.connsLock.Lock()
	c, ok := n.conns[ev.Lane.ConnID]
	n.connsLock.Unlock()
	if ok {
		n.log.Warnf("Aborting connection %d: %v", ev.Lane.ConnID, ev.Err)
		c.Abort()
	}
}
