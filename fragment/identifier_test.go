// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentifierEncoding(t *testing.T) {
	t.Parallel()

	id := Identifier{Kind: Data, SetID: 0xdeadbeef, Position: 2, Total: 5}
	b := id.Bytes()
	require.Len(t, b, IdentifierLength)
	require.Equal(t, []byte{0, 0xde, 0xad, 0xbe, 0xef, 2, 5}, b)

	got, err := FromBytes(b)
	require.NoError(t, err)
	require.Equal(t, id, got)

	cover, err := FromBytes(CoverID.Bytes())
	require.NoError(t, err)
	require.True(t, cover.IsCover())

	reply, err := FromBytes(Identifier{Kind: Reply, SetID: 1, Total: 1}.Bytes())
	require.NoError(t, err)
	require.True(t, reply.IsReply())
	require.False(t, reply.IsCover())
}

func TestIdentifierMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty":          nil,
		"short":          {0, 1, 2},
		"long":           make([]byte, IdentifierLength+1),
		"unknown kind":   {9, 0, 0, 0, 1, 0, 1},
		"zero total":     {0, 0, 0, 0, 1, 0, 0},
		"position>total": {1, 0, 0, 0, 1, 3, 3},
		"cover body":     {2, 0, 0, 0, 1, 0, 0},
	}
	for name, b := range cases {
		_, err := FromBytes(b)
		require.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestSplitAndSet(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 25)
	setID := NewSetID()
	require.NotZero(t, setID)

	frags, err := Split(setID, Data, payload, 32)
	require.NoError(t, err)
	require.Len(t, frags, 8)

	set := NewSet(frags[0].ID)
	// deliver in reverse with a duplicate in the middle
	for i := len(frags) - 1; i >= 0; i-- {
		done, err := set.Add(frags[i])
		require.NoError(t, err)
		require.Equal(t, i == 0, done)
		if i == 4 {
			done, err = set.Add(frags[i])
			require.NoError(t, err)
			require.False(t, done)
		}
	}
	require.Equal(t, payload, set.Bytes())

	_, err = set.Add(&Fragment{ID: Identifier{Kind: Data, SetID: setID + 1, Total: 8}})
	require.ErrorIs(t, err, ErrMismatch)
}

func TestSplitLimits(t *testing.T) {
	t.Parallel()

	frags, err := Split(1, Data, nil, 10)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	require.Empty(t, frags[0].Payload)

	_, err = Split(1, Data, make([]byte, MaxFragments*10+1), 10)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = Split(1, Cover, []byte("x"), 10)
	require.Error(t, err)

	_, err = Split(1, Data, []byte("x"), 0)
	require.Error(t, err)
}
