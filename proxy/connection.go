// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/katzenpost/mixarq/instrument"
	"github.com/katzenpost/mixarq/lanes"
)

type closeWriter interface {
	CloseWrite() error
}

// Connection is one proxied connection, both directions.
type Connection struct {
	log *log.Logger

	ID       lanes.ConnectionID
	conn     io.ReadWriteCloser
	inbound  *Inbound
	outbound *Outbound
}

// NewConnection pairs the runners of a local connection.  incoming yields
// the ordered messages the remote end sent for this connection.
func NewConnection(logger *log.Logger, cfg *Config, id lanes.ConnectionID, conn io.ReadWriteCloser, incoming <-chan []byte, sender MixSender, queues *lanes.QueueLengths) *Connection {
	out := NewOutbound(logger, cfg, id, conn, incoming, nil)
	in := NewInbound(logger, cfg, id, conn, sender, queues, out.Done())
	out.inboundDone = in.Done()
	return &Connection{
		log:      logger,
		ID:       id,
		conn:     conn,
		inbound:  in,
		outbound: out,
	}
}

// Inbound returns the local to mixnet runner.
func (c *Connection) Inbound() *Inbound {
	return c.inbound
}

// Outbound returns the mixnet to local runner.
func (c *Connection) Outbound() *Outbound {
	return c.outbound
}

// Abort tears the connection down after a lost message; the remote is
// still sent the close notification.
func (c *Connection) Abort() {
	c.inbound.Abort()
}

// Run proxies until both directions finished, then closes the local
// connection.
func (c *Connection) Run(ctx context.Context) error {
	instrument.ConnectionOpened()
	defer instrument.ConnectionClosed()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.inbound.Run(gctx)
	})
	g.Go(func() error {
		err := c.outbound.Run(gctx)
		if cw, ok := c.conn.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				c.log.Debugf("Half closing connection %d: %v", c.ID, err)
			}
		}
		return err
	})
	err := g.Wait()
	if cerr := c.conn.Close(); cerr != nil {
		c.log.Debugf("Closing connection %d: %v", c.ID, cerr)
	}
	return err
}
