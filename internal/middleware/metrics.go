package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the HTTP layer.
const (
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
	MetricHTTPRequestsInFlight  = "http_requests_in_flight"
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitStoreErrors  = "rate_limit_store_errors_total"
)

// Metrics holds the request and rate limit collectors. Routes are recorded
// as normalized patterns, so label cardinality is bounded by the route table.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	inFlight     prometheus.Gauge

	limitChecks      *prometheus.CounterVec
	limitBlocked     *prometheus.CounterVec
	limitStoreErrors prometheus.Counter
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	route := []string{"method", "route", "status"}
	limit := []string{"budget", "key_type"}
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests served, by route pattern and status.",
		}, route),
		// Role mutations are one CAS round trip; anything past a second is a retry storm.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5},
		}, route),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "HTTP response body size in bytes.",
			Buckets: prometheus.ExponentialBuckets(128, 4, 7),
		}, route),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricHTTPRequestsInFlight,
			Help: "Requests currently being served, including open feed upgrades.",
		}),
		limitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Requests charged to a rate limit budget.",
		}, limit),
		limitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Requests rejected because their budget was spent.",
		}, limit),
		limitStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitStoreErrors,
			Help: "Rate limit store failures; each one admitted the request.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.requests, m.duration, m.responseSize, m.inFlight,
		m.limitChecks, m.limitBlocked, m.limitStoreErrors,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeRequest(method, route string, status int, elapsed time.Duration, size int64) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.duration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.responseSize.WithLabelValues(method, route, code).Observe(float64(size))
}

func (m *Metrics) rateLimitChecked(budget, keyType string, blocked bool) {
	m.limitChecks.WithLabelValues(budget, keyType).Inc()
	if blocked {
		m.limitBlocked.WithLabelValues(budget, keyType).Inc()
	}
}

func (m *Metrics) rateLimitStoreFailed() {
	m.limitStoreErrors.Inc()
}
