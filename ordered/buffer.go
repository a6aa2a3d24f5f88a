// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ordered

import (
	"bytes"
	"fmt"

	"github.com/katzenpost/mixarq/core/queue"
)

// Buffer reorders the messages of one connection.  It is owned by the
// connection's outbound task and is not safe for concurrent use.
type Buffer struct {
	next    uint64
	pending *queue.PriorityQueue
	seen    map[uint64]struct{}

	finalSeq  uint64
	haveFinal bool
	closed    bool
}

// NewBuffer returns a Buffer expecting sequence number zero.
func NewBuffer() *Buffer {
	return &Buffer{
		pending: queue.New(),
		seen:    make(map[uint64]struct{}),
	}
}

// Write stores a message.  Messages that were already released or are
// already buffered are ignored.
func (b *Buffer) Write(m *Message) error {
	if m.Seq < b.next {
		return nil
	}
	if _, ok := b.seen[m.Seq]; ok {
		return nil
	}
	if b.haveFinal && m.Seq > b.finalSeq {
		return fmt.Errorf("%w: seq %d after final %d", ErrAfterFinal, m.Seq, b.finalSeq)
	}
	if m.Final {
		if b.haveFinal && m.Seq != b.finalSeq {
			return fmt.Errorf("%w: second final message %d", ErrAfterFinal, m.Seq)
		}
		if above := b.highestBuffered(); above > m.Seq {
			return fmt.Errorf("%w: seq %d buffered after final %d", ErrAfterFinal, above, m.Seq)
		}
		b.haveFinal = true
		b.finalSeq = m.Seq
	}
	b.seen[m.Seq] = struct{}{}
	b.pending.Enqueue(m.Seq, m)
	return nil
}

func (b *Buffer) highestBuffered() uint64 {
	var highest uint64
	for s := range b.seen {
		if s > highest {
			highest = s
		}
	}
	return highest
}

// Read releases the payload of every message that is contiguous with what
// was released before, concatenated in sequence order.  It returns nil if
// the next expected message has not arrived yet.
func (b *Buffer) Read() []byte {
	var out bytes.Buffer
	for {
		e := b.pending.Peek()
		if e == nil || e.Priority != b.next {
			break
		}
		m := b.pending.PopEntry().Value.(*Message)
		delete(b.seen, m.Seq)
		out.Write(m.Data)
		b.next++
		if m.Final {
			b.closed = true
			break
		}
	}
	if out.Len() == 0 {
		return nil
	}
	return out.Bytes()
}

// Closed returns true once the final message has been released by Read.
func (b *Buffer) Closed() bool {
	return b.closed
}

// Next returns the sequence number Read is waiting for.
func (b *Buffer) Next() uint64 {
	return b.next
}

// Buffered returns the number of messages held back waiting for a gap.
func (b *Buffer) Buffered() int {
	return b.pending.Len()
}
