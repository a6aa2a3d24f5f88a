// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fragment

import (
	"errors"
	"fmt"
)

// MaxFragments is the largest number of fragments in a message set.
const MaxFragments = 255

var (
	// ErrTooLarge is returned when a message needs more than MaxFragments.
	ErrTooLarge = errors.New("fragment: message too large")

	// ErrMismatch is returned when a fragment does not belong to a set.
	ErrMismatch = errors.New("fragment: fragment does not match set")
)

// Fragment is one chunk of a message set.
type Fragment struct {
	ID      Identifier
	Payload []byte
}

// Split chunks payload into fragments of at most maxLen bytes.  An empty
// payload still produces one (empty) fragment.
func Split(setID uint32, kind Kind, payload []byte, maxLen int) ([]*Fragment, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("fragment: invalid fragment length %d", maxLen)
	}
	if kind == Cover {
		return nil, errors.New("fragment: cover traffic is not fragmented")
	}
	total := (len(payload) + maxLen - 1) / maxLen
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	frags := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxLen
		end := start + maxLen
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, &Fragment{
			ID: Identifier{
				Kind:     kind,
				SetID:    setID,
				Position: uint8(i),
				Total:    uint8(total),
			},
			Payload: payload[start:end],
		})
	}
	return frags, nil
}

// Set collects the fragments of one message set, in any order.
type Set struct {
	setID    uint32
	total    uint8
	received int
	parts    [][]byte
}

// NewSet returns an empty Set for the set the given fragment belongs to.
func NewSet(id Identifier) *Set {
	return &Set{
		setID: id.SetID,
		total: id.Total,
		parts: make([][]byte, id.Total),
	}
}

// Add stores a fragment.  Duplicates are ignored.  It returns true once
// every fragment of the set has been seen.
func (s *Set) Add(f *Fragment) (bool, error) {
	if f.ID.SetID != s.setID || f.ID.Total != s.total || f.ID.Position >= s.total {
		return false, fmt.Errorf("%w: %s", ErrMismatch, f.ID)
	}
	if s.parts[f.ID.Position] == nil {
		s.parts[f.ID.Position] = append(make([]byte, 0, len(f.Payload)), f.Payload...)
		s.received++
	}
	return s.Complete(), nil
}

// Complete returns true once every fragment has been added.
func (s *Set) Complete() bool {
	return s.received == int(s.total)
}

// Bytes returns the reassembled message.  It must only be called once the
// set is complete.
func (s *Set) Bytes() []byte {
	n := 0
	for _, p := range s.parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range s.parts {
		out = append(out, p...)
	}
	return out
}
