// worker.go - Background worker tasks.
// Copyright (C) 2017  Yawning Angel.
// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background worker tasks.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Go excutes the function fn in a new Go routine.  Multiple Go routines may
// be started under the same Worker.  It is the function's responsiblity to
// monitor the channel returned by `Worker.HaltCh()` and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all Go routines started under a Worker to terminate, and waits
// till all go routines have returned.  Calling Halt more than once is safe.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltCh)
		w.cancel()
	})
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltContext returns a context that is cancelled on a call to Halt, for
// code that blocks on context aware calls.
func (w *Worker) HaltContext() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
}
