package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Define Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed, partitioned by method, route and status code.",
		},
		[]string{"method", "route_id", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of proxied requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route_id", "status_code"},
	)

	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total number of backend failures, partitioned by route and reason.",
		},
		[]string{"route_id", "reason"},
	)

	dataTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_data_transferred_bytes_total",
			Help: "Total amount of data transferred in bytes, partitioned by direction (inbound or outbound).",
		},
		[]string{"direction"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of requests currently being handled by the gateway.",
		},
	)

	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_decisions_total",
			Help: "Authorization gate outcomes, partitioned by decision.",
		},
		[]string{"decision"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(upstreamErrors)
	prometheus.MustRegister(dataTransferred)
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(authDecisions)
}

// RecordRequest records outcome metrics for one proxied request. The
// route id keeps cardinality bounded; raw paths never become labels.
func RecordRequest(method, routeID string, statusCode int, duration float64) {
	code := strconv.Itoa(statusCode)
	httpRequestsTotal.WithLabelValues(method, routeID, code).Inc()
	httpRequestDuration.WithLabelValues(method, routeID, code).Observe(duration)
}

// RecordUpstreamError counts a backend failure for a route.
func RecordUpstreamError(routeID, reason string) {
	upstreamErrors.WithLabelValues(routeID, reason).Inc()
}

// RecordAuthDecision counts an authorization gate outcome
// ("allow", "unauthenticated" or "forbidden").
func RecordAuthDecision(decision string) {
	authDecisions.WithLabelValues(decision).Inc()
}

// RecordDataTransferred records the number of bytes transferred, partitioned by direction (inbound or outbound)
func RecordDataTransferred(direction string, numBytes int64) {
	if numBytes > 0 {
		dataTransferred.WithLabelValues(direction).Add(float64(numBytes))
	}
}

// UpdateActiveConnections increments or decrements the number of active connections
func UpdateActiveConnections(increment bool) {
	if increment {
		activeConnections.Inc()
	} else {
		activeConnections.Dec()
	}
}

// ExposeMetricsHandler returns a handler that serves the metrics for Prometheus
func ExposeMetricsHandler() http.Handler {
	return promhttp.Handler()
}
