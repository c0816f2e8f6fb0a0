// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_handshakes_total",
			Help: "Secure session handshakes by direction, connection type and result",
		},
		[]string{"direction", "type", "result"},
	)

	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_handshake_duration_seconds",
			Help:    "Time taken to complete a handshake",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_active_sessions",
			Help: "Number of established sessions",
		},
	)

	PeerVerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_peer_verification_failures_total",
			Help: "Sessions rejected because the peer identity did not match policy",
		},
		[]string{"type"},
	)

	RateLimitedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_rate_limited_connections_total",
			Help: "Connections refused because the remote exceeded the failed handshake limit",
		},
	)

	PSKLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_psk_lookups_total",
			Help: "PSK identity lookups by source and result",
		},
		[]string{"source", "result"},
	)

	FunctionEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_function_evaluations_total",
			Help: "Trigger function evaluations by function and result",
		},
		[]string{"function", "result"},
	)

	FunctionEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_function_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a trigger function",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"function"},
	)

	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_regex_timeouts_total",
			Help: "Regular expression matches aborted by the match timeout",
		},
	)

	ValuesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_values_added_total",
			Help: "History values added to the value cache",
		},
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_requests_total",
			Help: "Requests served on established sessions",
		},
		[]string{"command", "result"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
