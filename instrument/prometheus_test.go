// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(retransmissions)
	Retransmission()
	Retransmission()
	require.Equal(t, before+2, testutil.ToFloat64(retransmissions))

	pending := testutil.ToFloat64(pendingFragments)
	PendingFragments(7)
	PendingFragments(-3)
	require.Equal(t, pending+4, testutil.ToFloat64(pendingFragments))

	queued := testutil.ToFloat64(laneQueueLength)
	LaneQueueLength(2)
	LaneQueueLength(-2)
	require.Equal(t, queued, testutil.ToFloat64(laneQueueLength))

	invalid := testutil.ToFloat64(acksReceived.WithLabelValues("invalid"))
	AckReceived("invalid")
	require.Equal(t, invalid+1, testutil.ToFloat64(acksReceived.WithLabelValues("invalid")))
}

func TestInit(t *testing.T) {
	srv, err := Init("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	Delivered()
	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "mixarq_fragment_deliveries_total")

	_, err = Init("not an address")
	require.Error(t, err)
}
