// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/lanes"
	"github.com/katzenpost/mixarq/ordered"
)

// Outbound writes the ordered messages received from the mixnet to the
// local socket.
type Outbound struct {
	log *log.Logger
	cfg *Config

	connID   lanes.ConnectionID
	writer   io.Writer
	incoming <-chan []byte
	buf      *ordered.Buffer

	inboundDone <-chan struct{}
	doneCh      chan struct{}
}

// NewOutbound returns the outbound runner of connection connID.
// inboundDone is closed when the paired inbound runner exits.
func NewOutbound(logger *log.Logger, cfg *Config, connID lanes.ConnectionID, w io.Writer, incoming <-chan []byte, inboundDone <-chan struct{}) *Outbound {
	return &Outbound{
		log:         logger.WithPrefix(fmt.Sprintf("outbound:%d", connID)),
		cfg:         cfg,
		connID:      connID,
		writer:      w,
		incoming:    incoming,
		buf:         ordered.NewBuffer(),
		inboundDone: inboundDone,
		doneCh:      make(chan struct{}),
	}
}

// Done is closed once Run returned.
func (out *Outbound) Done() <-chan struct{} {
	return out.doneCh
}

// Run writes released bytes until the remote closes, the stream makes no
// progress for InactivityTimeout, the inbound runner has been gone for
// ShutdownTimeout, or ctx is done.
func (out *Outbound) Run(ctx context.Context) error {
	defer close(out.doneCh)

	inactivity := time.NewTimer(out.cfg.InactivityTimeout)
	defer inactivity.Stop()

	inboundDone := out.inboundDone
	var inboundGone <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inboundDone:
			inboundDone = nil
			t := time.NewTimer(out.cfg.ShutdownTimeout)
			defer t.Stop()
			inboundGone = t.C
		case <-inboundGone:
			out.log.Debugf("Closing, inbound closed %v ago.", out.cfg.ShutdownTimeout)
			return nil
		case <-inactivity.C:
			out.log.Warnf("Nothing received for %v, closing.", out.cfg.InactivityTimeout)
			return nil
		case b, ok := <-out.incoming:
			if !ok {
				return nil
			}
			next := out.buf.Next()
			if out.onMessage(b) {
				return nil
			}
			// Messages held back behind a gap are not progress.
			if out.buf.Next() != next {
				if !inactivity.Stop() {
					select {
					case <-inactivity.C:
					default:
					}
				}
				inactivity.Reset(out.cfg.InactivityTimeout)
			}
		}
	}
}

// onMessage returns true when the runner should exit.
func (out *Outbound) onMessage(b []byte) bool {
	m, err := ordered.FromBytes(b)
	if err != nil {
		out.log.Warnf("Dropping message: %v", err)
		return false
	}
	if err := out.buf.Write(m); err != nil {
		out.log.Warnf("Dropping message %d: %v", m.Seq, err)
		return false
	}
	if data := out.buf.Read(); len(data) > 0 {
		out.log.Debugf("[%d bytes] mixnet -> local", len(data))
		if _, err := out.writer.Write(data); err != nil {
			// The inbound runner tells the remote once it sees us gone.
			out.log.Errorf("Failed to write to the local socket: %v", err)
			return true
		}
	}
	if out.buf.Closed() {
		out.log.Debug("Remote closed the connection.")
		return true
	}
	return false
}
