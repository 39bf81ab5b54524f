// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsTotal tracks protocol commands by verb and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelock_commands_total",
			Help: "Total protocol commands processed by verb and result",
		},
		[]string{"command", "result"},
	)

	// CommandDuration tracks command processing duration.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livelock_command_duration_seconds",
			Help:    "Command processing duration in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"command"},
	)

	// ConnectionsActive tracks currently open client connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livelock_connections_active",
			Help: "Current number of open client connections",
		},
	)

	// ConnectionsTotal tracks accepted client connections.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelock_connections_total",
			Help: "Total client connections accepted",
		},
	)

	// AuthFailures tracks rejected PASS attempts and unauthenticated commands.
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelock_auth_failures_total",
			Help: "Total connections closed for failed authentication",
		},
	)

	// ProtocolErrors tracks connections dropped for malformed frames.
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelock_protocol_errors_total",
			Help: "Total connections dropped for RESP protocol errors",
		},
	)

	// LocksHeld tracks the number of lock records in storage.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livelock_locks_held",
			Help: "Current number of lock records, including expired ones not yet removed",
		},
	)

	// LocksExpired tracks locks removed after their release-all grace period.
	LocksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelock_locks_expired_total",
			Help: "Total locks removed after their grace period elapsed",
		},
	)

	// ReleaseAllTotal tracks grace-period releases triggered by disconnects.
	ReleaseAllTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelock_release_all_total",
			Help: "Total disconnects that scheduled a client's locks for release",
		},
	)

	// UnreleaseAllTotal tracks reconnects that restored pending locks.
	UnreleaseAllTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelock_unrelease_all_total",
			Help: "Total reconnects that restored a client's pending locks",
		},
	)

	// HTTPRequestsTotal tracks total admin HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelock_http_requests_total",
			Help: "Total admin HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", MetricsHandler())
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordCommand records a processed command.
func RecordCommand(command, result string, seconds float64) {
	CommandsTotal.WithLabelValues(command, result).Inc()
	CommandDuration.WithLabelValues(command).Observe(seconds)
}

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()
}

// ConnectionClosed records a closed connection.
func ConnectionClosed() {
	ConnectionsActive.Dec()
}

// RecordAuthFailure records a failed authentication.
func RecordAuthFailure() {
	AuthFailures.Inc()
}

// RecordProtocolError records a connection dropped for a framing error.
func RecordProtocolError() {
	ProtocolErrors.Inc()
}

// SetLocksHeld sets the current number of lock records.
func SetLocksHeld(count float64) {
	LocksHeld.Set(count)
}

// RecordLocksExpired records removed expired locks.
func RecordLocksExpired(count float64) {
	LocksExpired.Add(count)
}

// RecordReleaseAll records a grace-period release.
func RecordReleaseAll() {
	ReleaseAllTotal.Inc()
}

// RecordUnreleaseAll records a restored session.
func RecordUnreleaseAll() {
	UnreleaseAllTotal.Inc()
}

// RecordHTTPRequest records an admin HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
