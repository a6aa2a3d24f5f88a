// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/lanes"
	"github.com/katzenpost/mixarq/ordered"
)

type readResult struct {
	data []byte
	err  error
}

// Inbound moves bytes read from the local socket into the mixnet.
type Inbound struct {
	log *log.Logger
	cfg *Config

	connID lanes.ConnectionID
	lane   lanes.Lane
	reader io.Reader
	sender MixSender
	queues *lanes.QueueLengths
	seq    *ordered.Sender

	outboundDone <-chan struct{}

	abortOnce sync.Once
	abortCh   chan struct{}

	state  atomic.Int32
	doneCh chan struct{}
}

// NewInbound returns the inbound runner of connection connID.  outboundDone
// is closed when the paired outbound runner exits.
func NewInbound(logger *log.Logger, cfg *Config, connID lanes.ConnectionID, r io.Reader, sender MixSender, queues *lanes.QueueLengths, outboundDone <-chan struct{}) *Inbound {
	return &Inbound{
		log:          logger.WithPrefix(fmt.Sprintf("inbound:%d", connID)),
		cfg:          cfg,
		connID:       connID,
		lane:         lanes.ConnectionLane(connID),
		reader:       r,
		sender:       sender,
		queues:       queues,
		seq:          ordered.NewSender(),
		outboundDone: outboundDone,
		abortCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// State returns the current state.
func (in *Inbound) State() State {
	return State(in.state.Load())
}

// Done is closed once Run returned.
func (in *Inbound) Done() <-chan struct{} {
	return in.doneCh
}

// Abort makes Run send the close notification, if it was not sent yet,
// and exit.  It is used once the stream lost data for good.
func (in *Inbound) Abort() {
	in.abortOnce.Do(func() {
		close(in.abortCh)
	})
}

// Run drives the runner until the connection is closed and drained, the
// paired outbound runner has been gone for ShutdownTimeout, or ctx is done.
func (in *Inbound) Run(ctx context.Context) error {
	defer close(in.doneCh)
	defer in.state.Store(int32(Terminated))

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()
	chunks := make(chan readResult)
	go in.readWorker(readerCtx, chunks)

	keepalive := time.NewTicker(in.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	outboundDone := in.outboundDone
	var outboundGone <-chan time.Time
	var drained <-chan error

	for {
		// Shutdown wins over everything else that is ready.
		select {
		case <-ctx.Done():
			in.log.Debug("Shutting down.")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			in.log.Debug("Shutting down.")
			return nil
		case <-outboundDone:
			outboundDone = nil
			t := time.NewTimer(in.cfg.ShutdownTimeout)
			defer t.Stop()
			outboundGone = t.C
		case <-outboundGone:
			in.log.Debugf("Closing, outbound closed %v ago.", in.cfg.ShutdownTimeout)
			// The remote may not know yet if the outbound side died of
			// inactivity.
			if !in.seq.Closed() {
				if err := in.send(ctx, nil, true); err != nil {
					return err
				}
			}
			return nil
		case <-in.abortCh:
			in.log.Warn("Aborting, a message was lost for good.")
			if !in.seq.Closed() {
				if err := in.send(ctx, nil, true); err != nil {
					return err
				}
			}
			return nil
		case err := <-drained:
			if err != nil {
				in.log.Warnf("Gave up waiting for lane %v to drain: %v", in.lane, err)
			}
			in.log.Debug("Local socket closed, close notification sent.")
			return nil
		case <-keepalive.C:
			if in.State() == Reading {
				in.log.Debug("Sending keepalive.")
				if err := in.send(ctx, nil, false); err != nil {
					return err
				}
			}
		case res := <-chunks:
			if res.err == nil {
				if err := in.send(ctx, res.data, false); err != nil {
					return err
				}
				keepalive.Reset(in.cfg.KeepaliveInterval)
				continue
			}
			if !errors.Is(res.err, io.EOF) {
				in.log.Errorf("Failed to read from the local socket: %v", res.err)
			}
			if err := in.send(ctx, nil, true); err != nil {
				return err
			}
			in.state.Store(int32(Closing))
			chunks = nil
			drained = in.awaitDrain(ctx)
		}
	}
}

func (in *Inbound) send(ctx context.Context, data []byte, final bool) error {
	var (
		m   *ordered.Message
		err error
	)
	if final {
		m, err = in.seq.WrapClose(data)
	} else {
		m, err = in.seq.WrapMessage(data)
	}
	if err != nil {
		return err
	}
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	in.log.Debugf("[%d bytes] local -> mixnet, seq %d, final %v", len(data), m.Seq, final)
	if err := in.sender.SendToMix(ctx, in.connID, b, final); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// readWorker waits for the lane to fall below the low water mark before
// every read, so one connection can not flood the sending stage.
func (in *Inbound) readWorker(ctx context.Context, out chan<- readResult) {
	for {
		err := in.queues.WaitBelowTimeout(ctx, in.lane, in.cfg.LowWaterMark, in.cfg.LanePollInterval, in.cfg.LaneWaitTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			in.log.Debugf("Lane still congested after %v, reading anyway.", in.cfg.LaneWaitTimeout)
		}

		buf := make([]byte, in.cfg.ReadBufferSize)
		n, err := in.reader.Read(buf)
		if n > 0 {
			select {
			case out <- readResult{data: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// awaitDrain reports once the lane has emptied after the close
// notification, or the bounded wait gave up.
func (in *Inbound) awaitDrain(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		select {
		case <-time.After(in.cfg.CloseSettleDelay):
		case <-ctx.Done():
			ch <- ctx.Err()
			return
		}
		ch <- in.queues.WaitBelowTimeout(ctx, in.lane, 0, in.cfg.DrainPollInterval, in.cfg.DrainTimeout)
	}()
	return ch
}
