// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package arq implements acknowledgement tracking and retransmission of
// fragments sent through the mixnet.
package arq

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/core/queue"
	"github.com/katzenpost/mixarq/core/worker"
	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/instrument"
)

type timers interface {
	Push(deadline time.Time, value interface{}) *queue.Entry
	Remove(e *queue.Entry) bool
}

// Controller owns the pending acknowledgement store.  Every mutation is
// an Action applied on the controller goroutine in arrival order.
type Controller struct {
	worker.Worker

	log *log.Logger

	sender    *ActionSender
	timerQ    *TimerQueue
	timers    timers
	pending   map[fragment.Identifier]*PendingAcknowledgement
	scheduler *Scheduler

	retransmitter Retransmitter
	events        EventSink

	now func() time.Time
}

// NewController returns a Controller.  events may be nil.
func NewController(logger *log.Logger, scheduler *Scheduler, retransmitter Retransmitter, events EventSink) *Controller {
	if scheduler == nil {
		scheduler = DefaultScheduler()
	}
	c := &Controller{
		log:           logger,
		sender:        newActionSender(),
		pending:       make(map[fragment.Identifier]*PendingAcknowledgement),
		scheduler:     scheduler,
		retransmitter: retransmitter,
		events:        events,
		now:           time.Now,
	}
	c.timerQ = NewTimerQueue(c.onExpiry)
	c.timers = c.timerQ
	return c
}

// SetRetransmitter sets the packet sending stage.  It must be called
// before Start.
func (c *Controller) SetRetransmitter(r Retransmitter) {
	c.retransmitter = r
}

// Start starts the controller and its timer queue.
func (c *Controller) Start() {
	c.timerQ.Start()
	c.Go(c.worker)
}

// Halt stops the controller.  Actions sent afterwards fail with ErrHalted,
// actions still queued are discarded.
func (c *Controller) Halt() {
	c.sender.close()
	c.timerQ.Halt()
	c.Worker.Halt()
	for range c.sender.out() {
	}
	instrument.PendingFragments(-len(c.pending))
}

// Sender returns the handle used to submit actions.
func (c *Controller) Sender() *ActionSender {
	return c.sender
}

// Scheduler returns the retransmission scheduler.
func (c *Controller) Scheduler() *Scheduler {
	return c.scheduler
}

// Has returns true if id is waiting for an acknowledgement.
func (c *Controller) Has(id fragment.Identifier) (bool, error) {
	found := false
	err := c.query(func(m map[fragment.Identifier]*PendingAcknowledgement) {
		_, found = m[id]
	})
	return found, err
}

// Len returns the number of fragments waiting for an acknowledgement.
func (c *Controller) Len() (int, error) {
	n := 0
	err := c.query(func(m map[fragment.Identifier]*PendingAcknowledgement) {
		n = len(m)
	})
	return n, err
}

func (c *Controller) query(fn func(map[fragment.Identifier]*PendingAcknowledgement)) error {
	a := newQuery(fn)
	if err := c.sender.Send(a); err != nil {
		return err
	}
	select {
	case <-a.done:
		return nil
	case <-c.HaltCh():
		return ErrHalted
	}
}

func (c *Controller) onExpiry(v interface{}) {
	e, ok := v.(*expiry)
	if !ok {
		c.log.Errorf("BUG: unexpected timer value %T", v)
		return
	}
	// Failure means we are halting, the record dies with the store.
	_ = c.sender.Send(newExpire(e.id, e.attempt))
}

func (c *Controller) worker() {
	defer c.log.Debug("Halting controller worker.")
	for {
		select {
		case <-c.HaltCh():
			return
		case v, ok := <-c.sender.out():
			if !ok {
				return
			}
			a, ok := v.(*Action)
			if !ok {
				c.log.Errorf("BUG: unexpected action %T", v)
				continue
			}
			c.handle(a)
		}
	}
}

func (c *Controller) handle(a *Action) {
	switch a.kind {
	case insertAction:
		c.doInsert(a)
	case removeAction:
		c.doRemove(a)
	case expireAction:
		c.doExpire(a)
	case queryAction:
		a.query(c.pending)
		close(a.done)
	default:
		c.log.Errorf("BUG: unknown action %v", a.kind)
	}
}

func (c *Controller) doInsert(a *Action) {
	if a.id.IsCover() || a.id.IsReply() {
		c.log.Warnf("Refusing to track %v, %v fragments are never acknowledged to us.", a.id, a.id.Kind)
		return
	}
	if _, ok := c.pending[a.id]; ok {
		c.log.Warnf("Duplicate insert of %v, keeping the existing record.", a.id)
		instrument.DuplicateInsert()
		return
	}
	now := c.now()
	p := &PendingAcknowledgement{
		ID:       a.id,
		Lane:     a.lane,
		Packet:   a.packet,
		SentAt:   now,
		Deadline: now.Add(c.scheduler.Timeout(0)),
	}
	p.timer = c.timers.Push(p.Deadline, &expiry{id: p.ID})
	c.pending[p.ID] = p
	instrument.PendingFragments(1)
	c.log.Debugf("Tracking %v on lane %v, deadline %v.", p.ID, p.Lane, p.Deadline.Sub(now))
}

func (c *Controller) doRemove(a *Action) {
	p, ok := c.pending[a.id]
	if !ok {
		c.log.Debugf("Acknowledgement for untracked %v.", a.id)
		return
	}
	if p.timer != nil {
		c.timers.Remove(p.timer)
		p.timer = nil
	}
	delete(c.pending, a.id)
	instrument.PendingFragments(-1)
	instrument.Delivered()
	c.log.Debugf("Acknowledged %v after %d retransmissions.", p.ID, p.Retransmissions)
	c.emit(&DeliveryEvent{
		ID:              p.ID,
		Lane:            p.Lane,
		Delivered:       true,
		Retransmissions: p.Retransmissions,
	})
}

func (c *Controller) doExpire(a *Action) {
	p, ok := c.pending[a.id]
	if !ok || p.Retransmissions != a.attempt {
		// Acknowledged or already rescheduled.
		return
	}
	p.timer = nil
	if c.scheduler.Exhausted(p.Retransmissions) {
		delete(c.pending, a.id)
		instrument.PendingFragments(-1)
		instrument.DeliveryFailed()
		c.log.Errorf("Giving up on %v after %d retransmissions.", p.ID, p.Retransmissions)
		c.emit(&DeliveryEvent{
			ID:              p.ID,
			Lane:            p.Lane,
			Retransmissions: p.Retransmissions,
			Err:             ErrRetriesExhausted,
		})
		return
	}
	p.Retransmissions++
	now := c.now()
	p.SentAt = now
	p.Deadline = now.Add(c.scheduler.Timeout(p.Retransmissions))
	p.timer = c.timers.Push(p.Deadline, &expiry{id: p.ID, attempt: p.Retransmissions})
	instrument.Retransmission()
	c.log.Debugf("Retransmitting %v, attempt %d.", p.ID, p.Retransmissions)
	if c.retransmitter != nil {
		c.retransmitter.Retransmit(p.ID, p.Lane, p.Packet)
	}
}

func (c *Controller) emit(ev *DeliveryEvent) {
	if c.events != nil {
		c.events.DeliveryEvent(ev)
	}
}
