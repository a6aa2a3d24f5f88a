// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
		for i := 0; i < 100; i++ {
			require.LessOrEqual(Delay(baseDelay, maxDelay, 0.5, 10), maxDelay)
		}
	})

	t.Run("jitter range", func(t *testing.T) {
		jitter := 0.2
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, jitter, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})

	t.Run("negative attempt", func(t *testing.T) {
		require.Equal(baseDelay, Delay(baseDelay, maxDelay, 0, -3))
	})
}
