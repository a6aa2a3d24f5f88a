// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ordered

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderSequence(t *testing.T) {
	t.Parallel()

	s := NewSender()
	for i := uint64(0); i < 5; i++ {
		m, err := s.WrapMessage([]byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, i, m.Seq)
		require.False(t, m.Final)
	}

	keepalive, err := s.WrapMessage(nil)
	require.NoError(t, err)
	require.True(t, keepalive.IsKeepalive())

	final, err := s.WrapClose(nil)
	require.NoError(t, err)
	require.True(t, final.Final)
	require.False(t, final.IsKeepalive())
	require.Equal(t, uint64(6), final.Seq)
	require.True(t, s.Closed())

	_, err = s.WrapMessage([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.WrapClose(nil)
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, uint64(7), s.Next())
}

func TestMessageEncoding(t *testing.T) {
	t.Parallel()

	m := &Message{Seq: 1 << 40, Final: true, Data: []byte("bye")}
	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := FromBytes(b)
	require.NoError(t, err)
	require.Equal(t, m, got)

	_, err = FromBytes([]byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestBufferOutOfOrder(t *testing.T) {
	t.Parallel()

	s := NewSender()
	abc, err := s.WrapMessage([]byte("abc"))
	require.NoError(t, err)
	def, err := s.WrapMessage([]byte("def"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), abc.Seq)
	require.Equal(t, uint64(1), def.Seq)

	b := NewBuffer()
	require.NoError(t, b.Write(def))
	require.Nil(t, b.Read())
	require.Equal(t, 1, b.Buffered())

	require.NoError(t, b.Write(abc))
	require.Equal(t, []byte("abcdef"), b.Read())
	require.Nil(t, b.Read())
	require.Equal(t, uint64(2), b.Next())
}

func TestBufferDuplicatesAndFinal(t *testing.T) {
	t.Parallel()

	b := NewBuffer()
	require.NoError(t, b.Write(&Message{Seq: 0, Data: []byte("a")}))
	require.Equal(t, []byte("a"), b.Read())

	// already released
	require.NoError(t, b.Write(&Message{Seq: 0, Data: []byte("a")}))
	require.Nil(t, b.Read())

	require.NoError(t, b.Write(&Message{Seq: 2, Final: true}))
	require.NoError(t, b.Write(&Message{Seq: 2, Final: true}))
	require.ErrorIs(t, b.Write(&Message{Seq: 3, Data: []byte("x")}), ErrAfterFinal)
	require.False(t, b.Closed())

	require.NoError(t, b.Write(&Message{Seq: 1, Data: []byte("b")}))
	require.Equal(t, []byte("b"), b.Read())
	require.True(t, b.Closed())
}

func TestBufferFinalBeforeBuffered(t *testing.T) {
	t.Parallel()

	b := NewBuffer()
	require.NoError(t, b.Write(&Message{Seq: 5, Data: []byte("x")}))
	require.ErrorIs(t, b.Write(&Message{Seq: 3, Final: true}), ErrAfterFinal)
}

func TestBufferReorderTolerance(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(1))
	s := NewSender()
	var want bytes.Buffer
	var msgs []*Message
	for i := 0; i < 200; i++ {
		chunk := make([]byte, r.Intn(64))
		r.Read(chunk)
		want.Write(chunk)
		m, err := s.WrapMessage(chunk)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	final, err := s.WrapClose(nil)
	require.NoError(t, err)
	msgs = append(msgs, final)

	r.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })

	b := NewBuffer()
	var got bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, b.Write(m))
		got.Write(b.Read())
	}
	require.True(t, b.Closed())
	require.Equal(t, want.Bytes(), got.Bytes())
	require.Equal(t, 0, b.Buffered())
}
