// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"time"

	"github.com/katzenpost/mixarq/core/retry"
)

const (
	// DefaultMixHops is the number of mix hops of a route.
	DefaultMixHops = 3

	// DefaultAverageHopDelay is the mean per hop delay.
	DefaultAverageHopDelay = 50 * time.Millisecond

	// DefaultRoundTripSlop is the slop added to the expected packet
	// round trip timeout threshold.
	DefaultRoundTripSlop = 10 * time.Second

	// DefaultMaxRetransmissions is the retransmission budget of a fragment.
	DefaultMaxRetransmissions = 10

	// DefaultMaxBackoff bounds the interval between retransmissions.
	DefaultMaxBackoff = 5 * time.Minute
)

// Scheduler computes retransmission deadlines.
type Scheduler struct {
	// MixHops is the number of mixes a packet traverses, counting the
	// gateway.
	MixHops int

	// AverageHopDelay is the mean of the per hop delay distribution.
	AverageHopDelay time.Duration

	// Slop is added to the expected round trip.
	Slop time.Duration

	// MaxRetransmissions is the number of retransmissions before a
	// fragment is declared lost.
	MaxRetransmissions uint32

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// Jitter randomizes every timeout by up to this fraction, so the
	// retransmission schedule does not fingerprint the client.
	Jitter float64
}

// DefaultScheduler returns a Scheduler with the default parameters.
func DefaultScheduler() *Scheduler {
	return &Scheduler{
		MixHops:            DefaultMixHops,
		AverageHopDelay:    DefaultAverageHopDelay,
		Slop:               DefaultRoundTripSlop,
		MaxRetransmissions: DefaultMaxRetransmissions,
		MaxBackoff:         DefaultMaxBackoff,
		Jitter:             retry.DefaultJitter,
	}
}

// RoundTrip is the expected time for a packet to reach its destination
// and for its acknowledgement to come back, each leg crossing every hop.
func (s *Scheduler) RoundTrip() time.Duration {
	return 2 * time.Duration(s.MixHops+1) * s.AverageHopDelay
}

// InitialTimeout is the timeout of the first transmission.
func (s *Scheduler) InitialTimeout() time.Duration {
	return s.RoundTrip() + s.Slop
}

// Timeout returns the time to wait for an acknowledgement after the given
// number of retransmissions.
func (s *Scheduler) Timeout(retransmissions uint32) time.Duration {
	base := s.InitialTimeout()
	max := s.MaxBackoff
	if max < base {
		max = base
	}
	d := retry.Delay(base, max, s.Jitter, int(retransmissions))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Exhausted returns true once no retransmission is left.
func (s *Scheduler) Exhausted(retransmissions uint32) bool {
	return retransmissions >= s.MaxRetransmissions
}
