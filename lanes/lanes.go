// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package lanes tracks how many packets each transmission lane has queued
// in the packet sending stage, so that producers can throttle themselves.
package lanes

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConnectionID identifies one proxied connection for its lifetime.
type ConnectionID uint64

// Kind is the kind of a transmission lane.
type Kind uint8

const (
	// GeneralKind is the lane of traffic not tied to a connection.
	GeneralKind Kind = iota
	// ControlKind is the lane of control traffic.
	ControlKind
	// ConnectionKind is the lane of one proxied connection.
	ConnectionKind
)

// Lane is a logical queue key.
type Lane struct {
	Kind   Kind
	ConnID ConnectionID
}

var (
	// General is the lane for traffic without a connection.
	General = Lane{Kind: GeneralKind}
	// Control is the lane for control traffic.
	Control = Lane{Kind: ControlKind}
)

// ConnectionLane returns the lane of a proxied connection.
func ConnectionLane(id ConnectionID) Lane {
	return Lane{Kind: ConnectionKind, ConnID: id}
}

func (l Lane) String() string {
	switch l.Kind {
	case GeneralKind:
		return "general"
	case ControlKind:
		return "control"
	case ConnectionKind:
		return fmt.Sprintf("conn-%d", l.ConnID)
	default:
		return fmt.Sprintf("lane(%d)", l.Kind)
	}
}

// QueueLengths maps lanes to their queued packet count.  A lane with no
// entry is empty.  It is written by the packet sending stage and read by
// any number of connection tasks.
type QueueLengths struct {
	sync.RWMutex
	lengths map[Lane]int
}

// NewQueueLengths returns an empty QueueLengths.
func NewQueueLengths() *QueueLengths {
	return &QueueLengths{
		lengths: make(map[Lane]int),
	}
}

// Get returns the queue length of a lane and whether the lane is active.
func (q *QueueLengths) Get(lane Lane) (int, bool) {
	q.RLock()
	defer q.RUnlock()
	n, ok := q.lengths[lane]
	return n, ok
}

// Set records the queue length of a lane.  Setting zero removes the lane.
func (q *QueueLengths) Set(lane Lane, n int) {
	q.Lock()
	defer q.Unlock()
	if n <= 0 {
		delete(q.lengths, lane)
		return
	}
	q.lengths[lane] = n
}

// Add adjusts the queue length of a lane by delta and returns the new
// length.  A lane dropping to zero is removed.
func (q *QueueLengths) Add(lane Lane, delta int) int {
	q.Lock()
	defer q.Unlock()
	n := q.lengths[lane] + delta
	if n <= 0 {
		delete(q.lengths, lane)
		return 0
	}
	q.lengths[lane] = n
	return n
}

// Total returns the number of packets queued over all lanes.
func (q *QueueLengths) Total() int {
	q.RLock()
	defer q.RUnlock()
	total := 0
	for _, n := range q.lengths {
		total += n
	}
	return total
}

// Snapshot returns a copy of the current lengths.
func (q *QueueLengths) Snapshot() map[Lane]int {
	q.RLock()
	defer q.RUnlock()
	m := make(map[Lane]int, len(q.lengths))
	for k, v := range q.lengths {
		m[k] = v
	}
	return m
}

// WaitBelow blocks until the lane holds at most threshold packets, polling
// every poll interval.  It returns ctx.Err() if ctx ends first.
func (q *QueueLengths) WaitBelow(ctx context.Context, lane Lane, threshold int, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		n, ok := q.Get(lane)
		if !ok || n <= threshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitBelowTimeout is WaitBelow bounded by timeout.  A timeout is reported
// as context.DeadlineExceeded.
func (q *QueueLengths) WaitBelowTimeout(ctx context.Context, lane Lane, threshold int, poll, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return q.WaitBelow(ctx, lane, threshold, poll)
}
