// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"time"

	"github.com/katzenpost/mixarq/core/queue"
	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/lanes"
)

// PendingAcknowledgement is the retransmission state of one in flight
// fragment.
type PendingAcknowledgement struct {
	// ID is the fragment identifier.
	ID fragment.Identifier

	// Lane is the transmission lane the packet is queued on.
	Lane lanes.Lane

	// Packet is the retransmittable packet.
	Packet []byte

	// Retransmissions counts the number of times the packet has been
	// retransmitted.
	Retransmissions uint32

	// SentAt contains the time the packet was last sent.
	SentAt time.Time

	// Deadline is when the next retransmission fires.
	Deadline time.Time

	timer *queue.Entry
}

// expiry is the value held by the timer queue.  attempt pins the timer to
// one send of the fragment so a timer outliving its send is ignored.
type expiry struct {
	id      fragment.Identifier
	attempt uint32
}
