// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ackkey

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixarq/fragment"
)

func TestPrepareRecover(t *testing.T) {
	t.Parallel()

	key, err := NewKey(nil)
	require.NoError(t, err)

	id := fragment.Identifier{Kind: fragment.Data, SetID: 42, Position: 1, Total: 3}
	ack, err := PrepareIdentifier(key, id.Bytes())
	require.NoError(t, err)
	require.Len(t, ack, PayloadLength)

	raw, ok := RecoverIdentifier(key, ack)
	require.True(t, ok)
	got, err := fragment.FromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, id, got)

	// same id twice must not produce the same payload
	ack2, err := PrepareIdentifier(key, id.Bytes())
	require.NoError(t, err)
	require.NotEqual(t, ack, ack2)
}

func TestRecoverWrongKey(t *testing.T) {
	t.Parallel()

	key, err := NewKey(nil)
	require.NoError(t, err)
	other, err := NewKey(nil)
	require.NoError(t, err)

	ack, err := PrepareIdentifier(key, fragment.CoverID.Bytes())
	require.NoError(t, err)

	_, ok := RecoverIdentifier(other, ack)
	require.False(t, ok)

	damaged := append([]byte{}, ack...)
	damaged[len(damaged)-1] ^= 0x01
	_, ok = RecoverIdentifier(key, damaged)
	require.False(t, ok)

	_, ok = RecoverIdentifier(key, ack[:10])
	require.False(t, ok)
}

func TestKeyDerivation(t *testing.T) {
	t.Parallel()

	a, err := FromSecret([]byte("session secret"))
	require.NoError(t, err)
	b, err := FromSecret([]byte("session secret"))
	require.NoError(t, err)
	c, err := FromSecret([]byte("another secret"))
	require.NoError(t, err)

	require.Equal(t, a.Bytes(), b.Bytes())
	require.NotEqual(t, a.Bytes(), c.Bytes())

	d, err := FromBytes(a.Bytes())
	require.NoError(t, err)
	require.True(t, bytes.Equal(a.Bytes(), d.Bytes()))

	_, err = FromBytes([]byte("short"))
	require.ErrorIs(t, err, ErrKeySize)

	_, err = NewKey(bytes.NewReader([]byte("not enough entropy")))
	require.Error(t, err)
}
