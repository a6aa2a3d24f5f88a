// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap priority queue used both as a
// deadline queue (priority is a UnixNano timestamp) and as a sequence
// reorder buffer (priority is a sequence number).
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64

	index int
}

// PriorityQueue is a priority queue instance.  It is not safe for
// concurrent use.
type PriorityQueue struct {
	heap []*Entry
}

// Less implements sort.Interface Less method
func (q PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface Swap method
func (q PriorityQueue) Swap(i, j int) {
	if i < 0 || j < 0 {
		return
	}
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
	q.heap[i].index = i
	q.heap[j].index = j
}

// Push implements heap.Interface Push method
func (q *PriorityQueue) Push(x interface{}) {
	entry := x.(*Entry)
	entry.index = len(q.heap)
	q.heap = append(q.heap, entry)
}

// Pop implements heap.Interface Pop method.  Callers wanting the lowest
// priority entry use heap.Pop or PopEntry.
func (q *PriorityQueue) Pop() interface{} {
	if q.Len() <= 0 {
		return nil
	}
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	e.index = -1
	return e
}

// Peek returns the 0th entry (lowest priority) if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return q.heap[0]
}

// PopEntry removes and returns the lowest priority entry, or nil.
func (q *PriorityQueue) PopEntry() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// Enqueue inserts the provided value, into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) *Entry {
	ent := &Entry{
		Value:    value,
		Priority: priority,
	}
	heap.Push(q, ent)
	return ent
}

// RemoveEntry removes a previously enqueued entry.  It returns false if
// the entry is no longer in the queue.
func (q *PriorityQueue) RemoveEntry(e *Entry) bool {
	if e == nil || e.index < 0 || e.index >= q.Len() || q.heap[e.index] != e {
		return false
	}
	heap.Remove(q, e.index)
	return true
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}
