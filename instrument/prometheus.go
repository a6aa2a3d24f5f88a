// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports reliable delivery metrics to prometheus.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	acksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixarq_acks_received_total",
			Help: "Number of acknowledgements received, by outcome",
		},
		[]string{"outcome"},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixarq_retransmissions_total",
			Help: "Number of fragment retransmissions",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixarq_fragment_deliveries_total",
			Help: "Number of fragments leaving the pending store, by result",
		},
		[]string{"result"},
	)
	duplicateInserts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixarq_duplicate_inserts_total",
			Help: "Number of inserts for an already pending fragment",
		},
	)
	pendingFragments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixarq_pending_fragments",
			Help: "Number of fragments waiting for an acknowledgement",
		},
	)
	laneQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixarq_lane_queue_packets",
			Help: "Number of packets queued over all transmission lanes",
		},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixarq_proxied_connections",
			Help: "Number of open proxied connections",
		},
	)
)

func init() {
	prometheus.MustRegister(acksReceived)
	prometheus.MustRegister(retransmissions)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(duplicateInserts)
	prometheus.MustRegister(pendingFragments)
	prometheus.MustRegister(laneQueueLength)
	prometheus.MustRegister(connections)
}

// Init exposes the registered metrics via HTTP on address.  The returned
// server must be shut down by the caller.
func Init(address string) (*http.Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              l.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()
	return srv, nil
}

// AckReceived counts an acknowledgement with the given outcome, one of
// "valid", "invalid", "cover" or "reply".
func AckReceived(outcome string) {
	acksReceived.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Retransmission counts a retransmitted fragment.
func Retransmission() {
	retransmissions.Inc()
}

// Delivered counts an acknowledged fragment.
func Delivered() {
	deliveries.With(prometheus.Labels{"result": "delivered"}).Inc()
}

// DeliveryFailed counts a fragment that ran out of retransmissions.
func DeliveryFailed() {
	deliveries.With(prometheus.Labels{"result": "failed"}).Inc()
}

// DuplicateInsert counts a second insert of a pending fragment.
func DuplicateInsert() {
	duplicateInserts.Inc()
}

// PendingFragments adjusts the pending acknowledgement gauge by delta.
// Several controllers may share a process, so the gauge is never Set.
func PendingFragments(delta int) {
	pendingFragments.Add(float64(delta))
}

// LaneQueueLength adjusts the queued packet gauge by delta.
func LaneQueueLength(delta int) {
	laneQueueLength.Add(float64(delta))
}

// ConnectionOpened counts a new proxied connection.
func ConnectionOpened() {
	connections.Inc()
}

// ConnectionClosed counts a finished proxied connection.
func ConnectionClosed() {
	connections.Dec()
}
