// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ackkey implements the session acknowledgement key, which hides
// fragment identifiers inside acknowledgement payloads so that only the
// originating client can recover them.
package ackkey

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/mixarq/fragment"
)

const (
	// KeySize is the size of an acknowledgement key in bytes.
	KeySize = chacha20poly1305.KeySize

	// PayloadLength is the length of an acknowledgement payload.
	PayloadLength = chacha20poly1305.NonceSize + fragment.IdentifierLength + chacha20poly1305.Overhead

	hkdfInfo = "mixarq-ack-key-v0"
)

// ErrKeySize is returned for key material of the wrong length.
var ErrKeySize = errors.New("ackkey: invalid key size")

// Key is the per session acknowledgement key.  It is never mutated after
// creation and may be shared between goroutines.
type Key struct {
	k [KeySize]byte
}

// NewKey reads a fresh key from r, or from the system entropy source if r
// is nil.
func NewKey(r io.Reader) (*Key, error) {
	if r == nil {
		r = rand.Reader
	}
	k := new(Key)
	if _, err := io.ReadFull(r, k.k[:]); err != nil {
		return nil, err
	}
	return k, nil
}

// FromBytes wraps existing key material.
func FromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: %d", ErrKeySize, len(b))
	}
	k := new(Key)
	copy(k.k[:], b)
	return k, nil
}

// FromSecret derives the acknowledgement key from a session secret.
func FromSecret(secret []byte) (*Key, error) {
	salt := []byte("mixarq_acknowledgement_keymaterial")
	keymaterial := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	k := new(Key)
	if _, err := io.ReadFull(keymaterial, k.k[:]); err != nil {
		return nil, err
	}
	return k, nil
}

// Bytes returns a copy of the key material.
func (k *Key) Bytes() []byte {
	return append([]byte{}, k.k[:]...)
}

// PrepareIdentifier seals a serialized fragment identifier into an
// acknowledgement payload.  A fresh nonce is drawn for every call so two
// acknowledgements for the same fragment are unlinkable.
func PrepareIdentifier(key *Key, id []byte) ([]byte, error) {
	if len(id) != fragment.IdentifierLength {
		return nil, fmt.Errorf("ackkey: identifier length %d", len(id))
	}
	aead, err := chacha20poly1305.New(key.k[:])
	if err != nil {
		return nil, err
	}
	defer aead.Reset()

	out := make([]byte, chacha20poly1305.NonceSize, PayloadLength)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSize], id, nil), nil
}

// RecoverIdentifier opens an acknowledgement payload.  It returns false if
// the payload was not produced with this key or was damaged in transit.
func RecoverIdentifier(key *Key, ack []byte) ([]byte, bool) {
	if len(ack) != PayloadLength {
		return nil, false
	}
	aead, err := chacha20poly1305.New(key.k[:])
	if err != nil {
		return nil, false
	}
	defer aead.Reset()

	nonce := ack[:chacha20poly1305.NonceSize]
	id, err := aead.Open(nil, nonce, ack[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, false
	}
	return id, true
}
