// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"errors"
	"sync"

	"gopkg.in/eapache/channels.v1"

	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/lanes"
)

// ErrHalted is returned when submitting to a halted controller.
var ErrHalted = errors.New("arq: halted")

type actionKind uint8

const (
	insertAction actionKind = iota
	removeAction
	expireAction
	queryAction
)

func (k actionKind) String() string {
	switch k {
	case insertAction:
		return "insert"
	case removeAction:
		return "remove"
	case expireAction:
		return "expire"
	case queryAction:
		return "query"
	default:
		return "unknown"
	}
}

// Action is a command for the Controller, the only code allowed to touch
// the pending acknowledgement store.
type Action struct {
	kind actionKind

	id      fragment.Identifier
	lane    lanes.Lane
	packet  []byte
	attempt uint32

	query func(map[fragment.Identifier]*PendingAcknowledgement)
	done  chan struct{}
}

// NewInsert returns the command registering a freshly sent fragment.
func NewInsert(id fragment.Identifier, lane lanes.Lane, packet []byte) *Action {
	return &Action{
		kind:   insertAction,
		id:     id,
		lane:   lane,
		packet: packet,
	}
}

// NewRemove returns the command acknowledging a fragment.
func NewRemove(id fragment.Identifier) *Action {
	return &Action{
		kind: removeAction,
		id:   id,
	}
}

func newExpire(id fragment.Identifier, attempt uint32) *Action {
	return &Action{
		kind:    expireAction,
		id:      id,
		attempt: attempt,
	}
}

func newQuery(fn func(map[fragment.Identifier]*PendingAcknowledgement)) *Action {
	return &Action{
		kind:  queryAction,
		query: fn,
		done:  make(chan struct{}),
	}
}

// ActionSender is the unbounded mailbox of the Controller.  Send never
// waits on the controller, so producers and the timer queue can not stall
// each other through it.
type ActionSender struct {
	sync.RWMutex

	ch     *channels.InfiniteChannel
	closed bool
}

func newActionSender() *ActionSender {
	return &ActionSender{
		ch: channels.NewInfiniteChannel(),
	}
}

// Send queues an action.
func (s *ActionSender) Send(a *Action) error {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return ErrHalted
	}
	s.ch.In() <- a
	return nil
}

// Insert registers a sent fragment for retransmission until acknowledged.
func (s *ActionSender) Insert(id fragment.Identifier, lane lanes.Lane, packet []byte) error {
	return s.Send(NewInsert(id, lane, packet))
}

// Remove acknowledges a fragment.
func (s *ActionSender) Remove(id fragment.Identifier) error {
	return s.Send(NewRemove(id))
}

func (s *ActionSender) out() <-chan interface{} {
	return s.ch.Out()
}

func (s *ActionSender) close() {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ch.Close()
}
