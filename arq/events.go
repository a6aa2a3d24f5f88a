// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"errors"

	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/lanes"
)

// ErrRetriesExhausted is the error of a fragment that was never
// acknowledged.
var ErrRetriesExhausted = errors.New("arq: retransmission budget exhausted")

// DeliveryEvent reports the fate of a fragment.
type DeliveryEvent struct {
	ID              fragment.Identifier
	Lane            lanes.Lane
	Delivered       bool
	Retransmissions uint32
	Err             error
}

// EventSink receives delivery events.  Implementations must not block.
type EventSink interface {
	DeliveryEvent(event *DeliveryEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event *DeliveryEvent)

// DeliveryEvent implements EventSink.
func (f EventSinkFunc) DeliveryEvent(event *DeliveryEvent) {
	f(event)
}

// Fanout hands every event to each of its sinks.
type Fanout []EventSink

// DeliveryEvent implements EventSink.
func (f Fanout) DeliveryEvent(event *DeliveryEvent) {
	for _, sink := range f {
		if sink != nil {
			sink.DeliveryEvent(event)
		}
	}
}

// Retransmitter re-emits a packet that was not acknowledged in time.
// Implementations must not block.
type Retransmitter interface {
	Retransmit(id fragment.Identifier, lane lanes.Lane, packet []byte)
}
