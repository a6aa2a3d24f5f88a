// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"math"
	"sync"
	"time"

	"github.com/katzenpost/mixarq/core/queue"
	"github.com/katzenpost/mixarq/core/worker"
)

// TimerQueue calls its action with each pushed value once the value's
// deadline has passed, in deadline order.
type TimerQueue struct {
	worker.Worker

	mutex sync.Mutex
	queue *queue.PriorityQueue

	action func(interface{})

	wakeCh chan struct{}
}

// NewTimerQueue returns a TimerQueue; Start must be called before values
// fire.
func NewTimerQueue(action func(interface{})) *TimerQueue {
	// wakeCh is buffered so Push never waits on the worker; one pending
	// wakeup is enough since the worker re-reads the head of the queue.
	return &TimerQueue{
		queue:  queue.New(),
		action: action,
		wakeCh: make(chan struct{}, 1),
	}
}

// Start starts the worker goroutine.
func (t *TimerQueue) Start() {
	t.Go(t.worker)
}

// Len returns the number of values waiting to fire.
func (t *TimerQueue) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.queue.Len()
}

// Push schedules value to fire at deadline.  The returned entry may be
// passed to Remove.
func (t *TimerQueue) Push(deadline time.Time, value interface{}) *queue.Entry {
	t.mutex.Lock()
	e := t.queue.Enqueue(uint64(deadline.UnixNano()), value)
	t.mutex.Unlock()
	t.wake()
	return e
}

// Remove cancels a pushed value.  It returns false if the value already
// fired.
func (t *TimerQueue) Remove(e *queue.Entry) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.queue.RemoveEntry(e)
}

func (t *TimerQueue) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// next pops the head of the queue if it is due, otherwise it returns how
// long to sleep.
func (t *TimerQueue) next() (interface{}, time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	m := t.queue.Peek()
	if m == nil {
		return nil, time.Duration(math.MaxInt64)
	}
	timeLeft := time.Duration(int64(m.Priority) - time.Now().UnixNano())
	if timeLeft > 0 {
		return nil, timeLeft
	}
	return t.queue.PopEntry().Value, 0
}

func (t *TimerQueue) worker() {
	timer := time.NewTimer(time.Duration(math.MaxInt64))
	defer timer.Stop()
	for {
		value, sleep := t.next()
		if value != nil {
			t.action(value)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-t.HaltCh():
			return
		case <-timer.C:
		case <-t.wakeCh:
		}
	}
}
