// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ordered frames a connection's byte stream into sequence tagged
// messages and puts it back together on the far side, whatever order the
// mix network delivered the messages in.
package ordered

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrClosed is returned when wrapping after the final message.
	ErrClosed = errors.New("ordered: stream already closed")

	// ErrAfterFinal is returned for messages sequenced after the final one.
	ErrAfterFinal = errors.New("ordered: message after final message")

	// ErrInvalidMessage is returned when bytes do not decode to a Message.
	ErrInvalidMessage = errors.New("ordered: invalid message")
)

// Message is a sequence tagged slice of a connection's byte stream.  An
// empty non final message is a keepalive.
type Message struct {
	Seq   uint64
	Final bool
	Data  []byte
}

// IsKeepalive returns true for empty non final messages.
func (m *Message) IsKeepalive() bool {
	return len(m.Data) == 0 && !m.Final
}

// Marshal serializes the message.
func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// FromBytes deserializes a message produced by Marshal.
func FromBytes(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, errors.Join(ErrInvalidMessage, err)
	}
	return m, nil
}

// Sender assigns sequence numbers to the outgoing messages of a single
// connection.  It is owned by the connection's inbound task and is not safe
// for concurrent use.
type Sender struct {
	next   uint64
	closed bool
}

// NewSender returns a Sender starting at sequence number zero.
func NewSender() *Sender {
	return new(Sender)
}

// WrapMessage tags data with the next sequence number.
func (s *Sender) WrapMessage(data []byte) (*Message, error) {
	return s.wrap(data, false)
}

// WrapClose tags data with the next sequence number and marks it as the
// final message of the stream.  No further message can be wrapped.
func (s *Sender) WrapClose(data []byte) (*Message, error) {
	return s.wrap(data, true)
}

// Closed returns true once the final message has been wrapped.
func (s *Sender) Closed() bool {
	return s.closed
}

// Next returns the sequence number the next message will carry.
func (s *Sender) Next() uint64 {
	return s.next
}

func (s *Sender) wrap(data []byte, final bool) (*Message, error) {
	if s.closed {
		return nil, ErrClosed
	}
	m := &Message{
		Seq:   s.next,
		Final: final,
		Data:  data,
	}
	s.next++
	s.closed = final
	return m, nil
}
