// Package metrics provides Prometheus metrics for the edge, queue,
// and relay, following the teacher's promauto-registered-globals
// pattern and HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status,
	// for the HTTP submission edge (§6).
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP submission requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gomta",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP submission request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP submission requests being processed",
		},
	)

	// HTTPResponseSize measures HTTP response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gomta",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP submission response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections (Postgres storage backend).
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gomta",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// EdgeConnectionsTotal counts total SMTP connections accepted at the edge.
	EdgeConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "edge",
			Name:      "connections_total",
			Help:      "Total number of SMTP connections accepted",
		},
	)

	// EdgeConnectionsActive tracks active SMTP connections.
	EdgeConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "edge",
			Name:      "connections_active",
			Help:      "Number of active SMTP connections",
		},
	)

	// EdgeConnectionsRejected counts connections rejected by the bounded
	// worker pool's per-IP/global limits and its per-IP rate limit (§4.4).
	EdgeConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "edge",
			Name:      "connections_rejected_total",
			Help:      "Total number of connections rejected by reason",
		},
		[]string{"reason"},
	)

	// EdgeMessagesAccepted counts messages accepted at DATA per outcome.
	EdgeMessagesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "edge",
			Name:      "messages_total",
			Help:      "Total number of messages processed at the edge by outcome",
		},
		[]string{"outcome"},
	)
)

var (
	// QueueDepth tracks the number of messages currently awaiting delivery.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of messages currently queued for delivery",
		},
	)

	// QueueDeliveryAttempts counts delivery attempts by outcome
	// (delivered, temporary, permanent).
	QueueDeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "queue",
			Name:      "delivery_attempts_total",
			Help:      "Total number of per-recipient delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// QueueBouncesSent counts non-delivery notifications generated.
	QueueBouncesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "queue",
			Name:      "bounces_sent_total",
			Help:      "Total number of bounce notifications generated",
		},
	)
)

var (
	// RelayLatency measures the time a destination connection pool takes
	// to complete one delivery attempt.
	RelayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gomta",
			Subsystem: "relay",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a relay delivery attempt in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"domain"},
	)

	// RelayPoolInUse tracks how many connections in a destination's pool
	// are currently checked out, keyed by destination address.
	RelayPoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gomta",
			Subsystem: "relay",
			Name:      "pool_connections_in_use",
			Help:      "Number of connections currently checked out of a destination pool",
		},
		[]string{"destination"},
	)

	// RelayMXCacheHits counts MX cache hits vs misses.
	RelayMXCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomta",
			Subsystem: "relay",
			Name:      "mx_cache_total",
			Help:      "Total number of MX cache lookups by result",
		},
		[]string{"result"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Middleware returns a chi middleware that records HTTP metrics for
// the HTTP submission edge.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
