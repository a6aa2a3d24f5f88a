// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package fragment defines the identifiers of the fixed size chunks a
// message is split into before it is sent through the mix network.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/rand"
)

// IdentifierLength is the length of an encoded Identifier in bytes.
const IdentifierLength = 7

// Kind distinguishes data fragments from reply and cover fragments.
type Kind uint8

const (
	// Data is a fragment of a message sent by this client.
	Data Kind = iota
	// Reply is a fragment sent through a single use reply block.
	Reply
	// Cover is the kind of the cover traffic sentinel.
	Cover
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Reply:
		return "reply"
	case Cover:
		return "cover"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrMalformed is returned when bytes do not decode to an Identifier.
var ErrMalformed = errors.New("fragment: malformed identifier")

// Identifier identifies one fragment of a message set.  Identifiers are
// comparable and are used as map keys.
type Identifier struct {
	Kind     Kind
	SetID    uint32
	Position uint8
	Total    uint8
}

// CoverID is the identifier carried by cover traffic.  It is never
// registered for acknowledgement.
var CoverID = Identifier{Kind: Cover}

// IsCover returns true for the cover traffic sentinel.
func (i Identifier) IsCover() bool {
	return i == CoverID
}

// IsReply returns true for fragments sent through a reply block.
func (i Identifier) IsReply() bool {
	return i.Kind == Reply
}

// Bytes returns the fixed length encoding of the identifier.
func (i Identifier) Bytes() []byte {
	b := make([]byte, IdentifierLength)
	b[0] = byte(i.Kind)
	binary.BigEndian.PutUint32(b[1:5], i.SetID)
	b[5] = i.Position
	b[6] = i.Total
	return b
}

func (i Identifier) String() string {
	if i.IsCover() {
		return "cover"
	}
	return fmt.Sprintf("%s:%d:%d/%d", i.Kind, i.SetID, i.Position, i.Total)
}

// FromBytes decodes an Identifier produced by Bytes.
func FromBytes(b []byte) (Identifier, error) {
	if len(b) != IdentifierLength {
		return Identifier{}, fmt.Errorf("%w: length %d", ErrMalformed, len(b))
	}
	id := Identifier{
		Kind:     Kind(b[0]),
		SetID:    binary.BigEndian.Uint32(b[1:5]),
		Position: b[5],
		Total:    b[6],
	}
	switch id.Kind {
	case Data, Reply:
		if id.Total == 0 || id.Position >= id.Total {
			return Identifier{}, fmt.Errorf("%w: position %d of %d", ErrMalformed, id.Position, id.Total)
		}
	case Cover:
		if id != CoverID {
			return Identifier{}, fmt.Errorf("%w: cover identifier with body", ErrMalformed)
		}
	default:
		return Identifier{}, fmt.Errorf("%w: invalid kind %d", ErrMalformed, b[0])
	}
	return id, nil
}

// NewSetID returns a random non-zero message set identifier.
func NewSetID() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Reader.Read(b[:]); err != nil {
			panic(err)
		}
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id
		}
	}
}
