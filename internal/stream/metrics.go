package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricMutations             = "stream_mutations_total"
	MetricMutationConflicts     = "stream_mutation_conflicts_total"
	MetricMutationLatency       = "stream_mutation_latency_seconds"
	MetricFeedPublished         = "stream_feed_events_published_total"
	MetricFeedPublishFailures   = "stream_feed_publish_failures_total"
	MetricRoleRevocations       = "stream_role_revocations_total"
	MetricActiveFeedSubscribers = "stream_feed_subscribers"
)

// Mutation outcomes used as the "outcome" label.
const (
	OutcomeCommitted = "committed"
	OutcomeNoop      = "noop"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

// Metrics contains Prometheus metrics for stream coordination.
// All operations are thread-safe.
type Metrics struct {
	mutations       *prometheus.CounterVec
	conflicts       prometheus.Counter
	mutationLatency prometheus.Histogram
	feedPublished   prometheus.Counter
	feedFailures    prometheus.Counter
	roleRevocations prometheus.Counter
	feedSubscribers prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMutations,
			Help: "Total number of session mutations by action and outcome",
		}, []string{"action", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricMutationConflicts,
			Help: "Total number of versioned writes rejected because the base version was stale",
		}),
		mutationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricMutationLatency,
			Help:    "Histogram of session mutation latency in seconds, including retries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		feedPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFeedPublished,
			Help: "Total number of change events published",
		}),
		feedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFeedPublishFailures,
			Help: "Total number of change events that failed to publish after commit",
		}),
		roleRevocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRoleRevocations,
			Help: "Total number of media role revocations sent to the RTC provider",
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveFeedSubscribers,
			Help: "Number of WebSocket clients currently following a session feed",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveMutation records the outcome of one coordinator mutation.
func (m *Metrics) ObserveMutation(action, outcome string, seconds float64) {
	m.mutations.WithLabelValues(action, outcome).Inc()
	m.mutationLatency.Observe(seconds)
}

// IncConflicts increments the stale-version counter.
func (m *Metrics) IncConflicts() {
	m.conflicts.Inc()
}

// IncFeedPublished increments the published events counter.
func (m *Metrics) IncFeedPublished() {
	m.feedPublished.Inc()
}

// IncFeedPublishFailures increments the failed publish counter.
func (m *Metrics) IncFeedPublishFailures() {
	m.feedFailures.Inc()
}

// IncRoleRevocations increments the revocation counter.
func (m *Metrics) IncRoleRevocations() {
	m.roleRevocations.Inc()
}

// IncFeedSubscribers records a new feed follower.
func (m *Metrics) IncFeedSubscribers() {
	m.feedSubscribers.Inc()
}

// DecFeedSubscribers records a feed follower going away.
func (m *Metrics) DecFeedSubscribers() {
	m.feedSubscribers.Dec()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.mutations,
		m.conflicts,
		m.mutationLatency,
		m.feedPublished,
		m.feedFailures,
		m.roleRevocations,
		m.feedSubscribers,
	}
}
