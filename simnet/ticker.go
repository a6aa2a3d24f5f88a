// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package simnet

import (
	"fmt"
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/mixarq/core/worker"
)

type opNewRate struct {
	average time.Duration
	max     time.Duration
}

type opPause struct {
	paused bool
}

// PoissonTicker ticks with exponentially distributed intervals, capped at
// a maximum, so the send times of a client reveal nothing about its
// traffic.
type PoissonTicker struct {
	worker.Worker

	average time.Duration
	max     time.Duration

	opCh  chan interface{}
	outCh chan struct{}
}

// NewPoissonTicker returns a running PoissonTicker.
func NewPoissonTicker(average, max time.Duration) *PoissonTicker {
	t := &PoissonTicker{
		average: average,
		max:     max,
		opCh:    make(chan interface{}, 1),
		outCh:   make(chan struct{}, 1),
	}
	t.Go(t.worker)
	return t
}

// C returns the channel receiving the ticks.
func (t *PoissonTicker) C() <-chan struct{} {
	return t.outCh
}

// SetRate changes the average and maximum interval.
func (t *PoissonTicker) SetRate(average, max time.Duration) {
	select {
	case <-t.HaltCh():
	case t.opCh <- opNewRate{average: average, max: max}:
	}
}

// Pause stops ticking until Resume is called.
func (t *PoissonTicker) Pause() {
	t.sendOp(opPause{paused: true})
}

// Resume restarts a paused ticker.
func (t *PoissonTicker) Resume() {
	t.sendOp(opPause{paused: false})
}

func (t *PoissonTicker) sendOp(op interface{}) {
	select {
	case <-t.HaltCh():
	case t.opCh <- op:
	}
}

func (t *PoissonTicker) next(paused bool) time.Duration {
	if paused || t.average <= 0 {
		return time.Duration(math.MaxInt64)
	}
	mRng := rand.NewMath()
	d := time.Duration(rand.Exp(mRng, 1/float64(t.average)))
	if t.max > 0 && d > t.max {
		d = t.max
	}
	return d
}

func (t *PoissonTicker) worker() {
	paused := false
	timer := time.NewTimer(t.next(paused))
	defer timer.Stop()

	for {
		select {
		case <-t.HaltCh():
			return
		case <-timer.C:
			select {
			case <-t.HaltCh():
				return
			case t.outCh <- struct{}{}:
			}
		case qo := <-t.opCh:
			switch op := qo.(type) {
			case opNewRate:
				t.average = op.average
				t.max = op.max
			case opPause:
				paused = op.paused
			default:
				panic(fmt.Sprintf("BUG: ticker received nonsensical op: %T", op))
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(t.next(paused))
	}
}
