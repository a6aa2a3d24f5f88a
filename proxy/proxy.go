// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package proxy tunnels a local byte stream through the mixnet as ordered
// messages.
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/katzenpost/mixarq/lanes"
)

// ErrSendFailed is returned when the packet sending stage refuses a
// message.
var ErrSendFailed = errors.New("proxy: failed to send to the mixnet")

// MixSender is the packet sending stage.  data is an encoded ordered
// message, final marks the close notification of the connection.
type MixSender interface {
	SendToMix(ctx context.Context, connID lanes.ConnectionID, data []byte, final bool) error
}

// MixSenderFunc adapts a function to MixSender.
type MixSenderFunc func(ctx context.Context, connID lanes.ConnectionID, data []byte, final bool) error

// SendToMix implements MixSender.
func (f MixSenderFunc) SendToMix(ctx context.Context, connID lanes.ConnectionID, data []byte, final bool) error {
	return f(ctx, connID, data, final)
}

// Config tunes the proxy runners.
type Config struct {
	// ReadBufferSize is the most bytes read from the local socket at once.
	ReadBufferSize int

	// KeepaliveInterval is the idle time after which an empty message is
	// sent so the remote end does not time the connection out.
	KeepaliveInterval time.Duration

	// InactivityTimeout closes the outbound direction when nothing, not
	// even a keepalive, was received for this long.
	InactivityTimeout time.Duration

	// LowWaterMark is the lane queue length below which reading resumes.
	LowWaterMark int

	// LanePollInterval is the poll interval of the backpressure wait.
	LanePollInterval time.Duration

	// LaneWaitTimeout bounds the backpressure wait, after which reading
	// proceeds anyway.
	LaneWaitTimeout time.Duration

	// CloseSettleDelay is waited after the close notification before the
	// lane is observed, so that the close is accounted in the lane.
	CloseSettleDelay time.Duration

	// DrainPollInterval is the poll interval of the final lane drain.
	DrainPollInterval time.Duration

	// DrainTimeout bounds the final lane drain.
	DrainTimeout time.Duration

	// ShutdownTimeout is waited after the paired direction finished
	// before this direction gives up.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:    4 * 2048,
		KeepaliveInterval: 30 * time.Second,
		InactivityTimeout: 2 * time.Minute,
		LowWaterMark:      30,
		LanePollInterval:  100 * time.Millisecond,
		LaneWaitTimeout:   4 * time.Minute,
		CloseSettleDelay:  2 * time.Second,
		DrainPollInterval: 500 * time.Millisecond,
		DrainTimeout:      4 * time.Minute,
		ShutdownTimeout:   2 * time.Second,
	}
}

// State is the state of a proxy runner.
type State int32

const (
	// Reading is the state of a runner moving data.
	Reading State = iota
	// Closing is the state of a runner that sent its close notification
	// and waits for its lane to drain.
	Closing
	// Terminated is the final state.
	Terminated
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}
