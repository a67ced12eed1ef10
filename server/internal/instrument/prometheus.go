// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the node's prometheus metrics.
package instrument

import (
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenpost/porelay/core/log"
)

var (
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_received_packets_total",
			Help: "Number of packet frames received",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porelay_dropped_packets_total",
			Help: "Number of dropped packets by reason",
		},
		[]string{"reason"},
	)
	packetsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_replayed_packets_total",
			Help: "Number of packets rejected as replays",
		},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_forwarded_packets_total",
			Help: "Number of packets forwarded to the next hop",
		},
	)
	packetsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_delivered_packets_total",
			Help: "Number of packets delivered locally",
		},
	)
	acksHandled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_acknowledgements_total",
			Help: "Number of acknowledgements that unlocked a payment",
		},
	)
	acksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porelay_failed_acknowledgements_total",
			Help: "Number of rejected acknowledgements by reason",
		},
		[]string{"reason"},
	)
	settlements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_settlements_total",
			Help: "Number of channels closed on the settlement ledger",
		},
	)
	submissionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porelay_failed_submissions_total",
			Help: "Number of failed settlement ledger submissions",
		},
	)
	pendingRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "porelay_pending_transactions",
			Help: "Number of payments waiting for an acknowledgement",
		},
	)
)

func init() {
	prometheus.MustRegister(
		packetsReceived,
		packetsDropped,
		packetsReplayed,
		packetsForwarded,
		packetsDelivered,
		acksHandled,
		acksFailed,
		settlements,
		submissionFailures,
		pendingRecords,
	)
}

// StartListener exposes the registered metrics on addr.  It returns nil
// if addr is empty.
func StartListener(addr string, logBackend *log.Backend) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	l := logBackend.GetLogger("instrument")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(logBackend.GetLogWriter("instrument/http", "WARNING"), "", 0),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Errorf("Metrics listener terminated: %v", err)
		}
	}()
	l.Noticef("Exposing metrics on http://%v/metrics", ln.Addr())
	return srv, nil
}

// PacketReceived increments the counter for received packet frames.
func PacketReceived() {
	packetsReceived.Inc()
}

// PacketDropped increments the counter for dropped packets.
func PacketDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// PacketReplayed increments the counter for replayed packets.
func PacketReplayed() {
	packetsReplayed.Inc()
}

// PacketForwarded increments the counter for forwarded packets.
func PacketForwarded() {
	packetsForwarded.Inc()
}

// PacketDelivered increments the counter for delivered packets.
func PacketDelivered() {
	packetsDelivered.Inc()
}

// AckHandled increments the counter for acknowledgements that unlocked a
// payment.
func AckHandled() {
	acksHandled.Inc()
}

// AckFailed increments the counter for rejected acknowledgements.
func AckFailed(reason string) {
	acksFailed.With(prometheus.Labels{"reason": reason}).Inc()
}

// Settlement increments the counter for closed channels.
func Settlement() {
	settlements.Inc()
}

// SubmissionFailed increments the counter for failed submissions.
func SubmissionFailed() {
	submissionFailures.Inc()
}

// PendingRecords sets the number of pending payments.
func PendingRecords(n int) {
	pendingRecords.Set(float64(n))
}
