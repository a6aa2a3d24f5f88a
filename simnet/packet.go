// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package simnet is an in-memory mix network: a Poisson paced packet
// sending stage, a lossy network with exponentially distributed hop
// delays that returns acknowledgements, and a receiving endpoint.
package simnet

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/mixarq/lanes"
)

// ErrInvalidPacket is returned for packets that do not decode.
var ErrInvalidPacket = errors.New("simnet: invalid packet")

// Packet is what travels through the network.  Ack is opaque to everyone
// but the sender; the network hands it back once Payload was delivered.
type Packet struct {
	Src      string
	Dst      string
	Fragment []byte
	Payload  []byte
	Ack      []byte
}

// Marshal encodes the packet.
func (p *Packet) Marshal() ([]byte, error) {
	return cbor.Marshal(p)
}

// PacketFromBytes decodes a packet.
func PacketFromBytes(b []byte) (*Packet, error) {
	p := new(Packet)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, errors.Join(ErrInvalidPacket, err)
	}
	return p, nil
}

// Envelope is the message carried by a fragment set: one ordered message
// of one proxied connection.
type Envelope struct {
	ConnID lanes.ConnectionID
	Final  bool
	Data   []byte
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// EnvelopeFromBytes decodes an envelope.
func EnvelopeFromBytes(b []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, errors.Join(ErrInvalidPacket, err)
	}
	return e, nil
}
