// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerQueueHalt(t *testing.T) {
	t.Parallel()
	q := NewTimerQueue(func(interface{}) {})
	q.Start()
	q.Push(time.Now().Add(time.Hour), 1)
	q.Halt()
	require.Equal(t, 1, q.Len())
}

func TestTimerQueueDeadlineOrder(t *testing.T) {
	t.Parallel()

	var lock sync.Mutex
	var fired []int
	q := NewTimerQueue(func(v interface{}) {
		lock.Lock()
		fired = append(fired, v.(int))
		lock.Unlock()
	})
	q.Start()
	defer q.Halt()

	now := time.Now()
	// pushed out of deadline order
	q.Push(now.Add(60*time.Millisecond), 3)
	q.Push(now.Add(20*time.Millisecond), 1)
	q.Push(now.Add(40*time.Millisecond), 2)
	require.Equal(t, 3, q.Len())

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(fired) == 3
	}, 2*time.Second, 5*time.Millisecond)

	lock.Lock()
	require.Equal(t, []int{1, 2, 3}, fired)
	lock.Unlock()
	require.Equal(t, 0, q.Len())
}

func TestTimerQueueRemove(t *testing.T) {
	t.Parallel()

	firedCh := make(chan interface{}, 2)
	q := NewTimerQueue(func(v interface{}) {
		firedCh <- v
	})
	q.Start()
	defer q.Halt()

	cancelled := q.Push(time.Now().Add(30*time.Millisecond), "cancelled")
	q.Push(time.Now().Add(60*time.Millisecond), "kept")
	require.True(t, q.Remove(cancelled))

	select {
	case v := <-firedCh:
		require.Equal(t, "kept", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.False(t, q.Remove(cancelled))
}
