// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session ties the reliable delivery tasks of one mixnet client
// together under a single lifecycle.
package session

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/ackkey"
	"github.com/katzenpost/mixarq/arq"
	"github.com/katzenpost/mixarq/core/worker"
	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/lanes"
)

// Config is the session configuration.
type Config struct {
	// Name prefixes the loggers of the session.
	Name string

	// Key authenticates acknowledgements.  When nil it is derived from
	// Secret, or generated if there is no Secret either.
	Key *ackkey.Key

	// Secret is the session secret the key is derived from.
	Secret []byte

	// Scheduler computes retransmission deadlines.
	Scheduler *arq.Scheduler

	// DrainPeriod is how long acknowledgements are still consumed after
	// Halt.
	DrainPeriod time.Duration

	// Events receives the outcome of every tracked fragment.
	Events arq.EventSink
}

// LoggerFactory hands out per component loggers, as core/log.Backend does.
type LoggerFactory interface {
	GetLogger(module string) *log.Logger
}

// Session is the context every reliable delivery task is constructed with:
// the shutdown broadcast, the acknowledgement key, the lane queue lengths,
// the controller owning the pending acknowledgements and the listener
// feeding it.
type Session struct {
	worker.Worker

	log *log.Logger

	key        *ackkey.Key
	queues     *lanes.QueueLengths
	controller *arq.Controller
	listener   *arq.Listener
}

// New builds a session reading acknowledgement batches from acks.
func New(logs LoggerFactory, cfg *Config, acks <-chan [][]byte) (*Session, error) {
	key := cfg.Key
	var err error
	switch {
	case key != nil:
	case len(cfg.Secret) > 0:
		if key, err = ackkey.FromSecret(cfg.Secret); err != nil {
			return nil, err
		}
	default:
		if key, err = ackkey.NewKey(nil); err != nil {
			return nil, err
		}
	}
	drain := cfg.DrainPeriod
	if drain <= 0 {
		drain = arq.DefaultDrainPeriod
	}
	prefix := cfg.Name
	if prefix != "" {
		prefix += "/"
	}

	s := &Session{
		log:    logs.GetLogger(prefix + "session"),
		key:    key,
		queues: lanes.NewQueueLengths(),
	}
	s.controller = arq.NewController(logs.GetLogger(prefix+"arq"), cfg.Scheduler, nil, cfg.Events)
	s.listener = arq.NewListener(logs.GetLogger(prefix+"acks"), key, acks, s.controller.Sender(), drain)
	return s, nil
}

// Key returns the acknowledgement key.
func (s *Session) Key() *ackkey.Key {
	return s.key
}

// Lanes returns the lane queue lengths shared by the packet sending stage
// and the proxy runners.
func (s *Session) Lanes() *lanes.QueueLengths {
	return s.queues
}

// Controller returns the action controller.
func (s *Session) Controller() *arq.Controller {
	return s.controller
}

// Listener returns the acknowledgement listener.
func (s *Session) Listener() *arq.Listener {
	return s.listener
}

// Context returns a context cancelled once Halt is called.
func (s *Session) Context() context.Context {
	return s.HaltContext()
}

// Start starts the controller and the listener.  retransmitter is the
// packet sending stage.
func (s *Session) Start(retransmitter arq.Retransmitter) {
	s.controller.SetRetransmitter(retransmitter)
	s.controller.Start()
	s.listener.Start()
	s.log.Debug("Started.")
}

// Insert registers a sent fragment.
func (s *Session) Insert(id fragment.Identifier, lane lanes.Lane, packet []byte) error {
	return s.controller.Sender().Insert(id, lane, packet)
}

// PrepareAck seals id into the acknowledgement payload a packet carries.
func (s *Session) PrepareAck(id fragment.Identifier) ([]byte, error) {
	return ackkey.PrepareIdentifier(s.key, id.Bytes())
}

// Halt broadcasts shutdown, lets the listener drain late acknowledgements
// and stops the controller.  It is safe to call more than once.
func (s *Session) Halt() {
	s.Worker.Halt()
	s.listener.Halt()
	s.controller.Halt()
	s.log.Debug("Halted.")
}
