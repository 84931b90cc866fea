// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnDuration tracks end-to-end streamed turn duration.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Streamed turn duration from upstream open to close",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "outcome"},
	)

	// DeltasForwarded tracks content deltas relayed to clients.
	DeltasForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deltas_forwarded_total",
			Help: "Content delta frames forwarded to clients",
		},
	)

	// DecoderAnomalies tracks malformed upstream frames that were skipped.
	DecoderAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_decoder_anomalies_total",
			Help: "Malformed upstream frames skipped by the decoder",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesPersisted tracks messages written through the store.
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Messages persisted, by role",
		},
		[]string{"role"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_conversations_total",
			Help: "Total conversations created",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for a completed streamed turn.
func RecordTurn(model, outcome string, seconds float64) {
	TurnDuration.WithLabelValues(model, outcome).Observe(seconds)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
