// Package metrics provides Prometheus metrics for lazysync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Relay metrics
	relayBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazysync_relay_bytes_total",
			Help: "Bytes copied by relay sessions",
		},
		[]string{"direction"},
	)

	relaySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lazysync_relay_sessions_active",
			Help: "Number of live relay sessions",
		},
	)

	relaySessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lazysync_relay_sessions_total",
			Help: "Total relay sessions started",
		},
	)

	// Tunnel metrics
	tunnelOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazysync_tunnel_open_total",
			Help: "Tunnel establishment attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	// Cache client metrics
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazysync_cache_requests_total",
			Help: "Cache protocol requests by mode and result",
		},
		[]string{"mode", "result"},
	)

	cacheRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lazysync_cache_request_duration_seconds",
			Help:    "Round-trip time of awaited cache requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deploy metrics
	deployTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazysync_deploy_total",
			Help: "Remote service ensure attempts by result",
		},
		[]string{"result"},
	)

	// Listing service metrics
	listingScansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lazysync_listing_scans_total",
			Help: "Directory scans performed by the cache service",
		},
	)

	listingServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazysync_listing_served_total",
			Help: "Listings served by the cache service",
		},
		[]string{"from_cache"},
	)

	// HTTP API metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazysync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRelayBytes adds n bytes to the given direction ("upstream" or
// "downstream").
func RecordRelayBytes(direction string, n int) {
	relayBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RelaySessionStarted records a new relay session.
func RelaySessionStarted() {
	relaySessionsTotal.Inc()
	relaySessionsActive.Inc()
}

// RelaySessionEnded records the end of a relay session.
func RelaySessionEnded() {
	relaySessionsActive.Dec()
}

// RecordTunnelOpen records one strategy attempt.
func RecordTunnelOpen(strategy string, success bool) {
	tunnelOpenTotal.WithLabelValues(strategy, result(success)).Inc()
}

// RecordCacheRequest records a cache protocol request. mode is "get" or
// "prefetch"; outcome is a short label such as "ok", "timeout" or "lost".
func RecordCacheRequest(mode, outcome string, duration time.Duration) {
	cacheRequestsTotal.WithLabelValues(mode, outcome).Inc()
	if mode == "get" && duration > 0 {
		cacheRequestDuration.Observe(duration.Seconds())
	}
}

// RecordDeploy records a service ensure outcome ("running", "started",
// "arch_mismatch", "upload_failed", "start_failed", "error").
func RecordDeploy(outcome string) {
	deployTotal.WithLabelValues(outcome).Inc()
}

// RecordListingScan records one directory scan.
func RecordListingScan() {
	listingScansTotal.Inc()
}

// RecordListingServed records a response from the cache service.
func RecordListingServed(fromCache bool) {
	listingServedTotal.WithLabelValues(strconv.FormatBool(fromCache)).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
