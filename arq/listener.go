// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/ackkey"
	"github.com/katzenpost/mixarq/core/worker"
	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/instrument"
)

const (
	// DefaultDrainPeriod is how long acknowledgements are still consumed
	// after shutdown.
	DefaultDrainPeriod = 5 * time.Second

	replyAckedCapacity = 64
)

// Listener turns acknowledgement batches received from the network into
// Remove commands.
type Listener struct {
	worker.Worker

	log *log.Logger

	key    *ackkey.Key
	acks   <-chan [][]byte
	sender *ActionSender

	drainPeriod time.Duration
	replyAcked  chan fragment.Identifier
}

// NewListener returns a Listener reading batches from acks.
func NewListener(logger *log.Logger, key *ackkey.Key, acks <-chan [][]byte, sender *ActionSender, drainPeriod time.Duration) *Listener {
	return &Listener{
		log:         logger,
		key:         key,
		acks:        acks,
		sender:      sender,
		drainPeriod: drainPeriod,
		replyAcked:  make(chan fragment.Identifier, replyAckedCapacity),
	}
}

// Start starts the listener.
func (l *Listener) Start() {
	l.Go(l.worker)
}

// ReplyAcked yields identifiers of acknowledged reply fragments.  Nothing
// is tracked for replies; when the channel is full further notifications
// are dropped.
func (l *Listener) ReplyAcked() <-chan fragment.Identifier {
	return l.replyAcked
}

func (l *Listener) worker() {
	for {
		// Observe shutdown before any ack that is ready at the same time.
		select {
		case <-l.HaltCh():
			l.drain()
			return
		default:
		}

		select {
		case <-l.HaltCh():
			l.drain()
			return
		case batch, ok := <-l.acks:
			if !ok {
				l.log.Debug("Acknowledgement channel closed.")
				return
			}
			for _, ack := range batch {
				l.processAck(ack)
			}
		}
	}
}

// drain swallows late acknowledgements of packets sent before shutdown
// so they are not reported as unexpected.
func (l *Listener) drain() {
	l.log.Debugf("Draining acknowledgements for %v.", l.drainPeriod)
	timer := time.NewTimer(l.drainPeriod)
	defer timer.Stop()

	discarded := 0
	for {
		select {
		case <-timer.C:
			l.log.Debugf("Drain finished, discarded %d acknowledgements.", discarded)
			return
		case batch, ok := <-l.acks:
			if !ok {
				return
			}
			discarded += len(batch)
		}
	}
}

func (l *Listener) processAck(ack []byte) {
	raw, ok := ackkey.RecoverIdentifier(l.key, ack)
	if !ok {
		l.log.Warn("Discarding acknowledgement that failed to authenticate.")
		instrument.AckReceived("invalid")
		return
	}
	id, err := fragment.FromBytes(raw)
	if err != nil {
		l.log.Warnf("Discarding acknowledgement: %v", err)
		instrument.AckReceived("invalid")
		return
	}

	switch {
	case id.IsCover():
		l.log.Debug("Received acknowledgement for cover traffic.")
		instrument.AckReceived("cover")
	case id.IsReply():
		instrument.AckReceived("reply")
		select {
		case l.replyAcked <- id:
		default:
		}
	default:
		instrument.AckReceived("valid")
		if err := l.sender.Remove(id); err != nil {
			l.log.Debugf("Dropping acknowledgement for %v: %v", id, err)
		}
	}
}
