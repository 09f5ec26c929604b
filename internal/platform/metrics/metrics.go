package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure kinds reported by the consumer.
const (
	FailureMalformed = "malformed"
	FailureStorage   = "storage"
)

// Metrics holds all Prometheus metrics for the audit pipeline
type Metrics struct {
	EventsPublished *prometheus.CounterVec
	PublishFailures prometheus.Counter
	EventsPersisted *prometheus.CounterVec
	ConsumeFailures *prometheus.CounterVec
	DeadLettered    prometheus.Counter
	Redelivered     prometheus.Counter
	ConsumerState   prometheus.Gauge
	HistoryRequests *prometheus.CounterVec
	PersistDuration prometheus.Histogram
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_published_total",
			Help: "Total number of audit events accepted by the broker",
		}, []string{"action"}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_publish_failures_total",
			Help: "Total number of audit events the broker channel refused",
		}),
		EventsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_persisted_total",
			Help: "Total number of audit events durably stored by the auditor",
		}, []string{"action"}),
		ConsumeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_consume_failures_total",
			Help: "Total number of deliveries that failed processing",
		}, []string{"kind"}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_dead_lettered_total",
			Help: "Total number of deliveries routed to the dead-letter queue",
		}),
		Redelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_redelivery_requests_total",
			Help: "Total number of deliveries negatively acknowledged for redelivery",
		}),
		ConsumerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_consumer_state",
			Help: "Current consumer state (0=disconnected, 1=connecting, 2=bound, 3=consuming, 4=processing)",
		}),
		HistoryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_history_requests_total",
			Help: "Total number of history queries served",
		}, []string{"by"}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_persist_duration_seconds",
			Help:    "Time spent persisting one audit event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// IncPublished counts an event accepted by the broker.
func (m *Metrics) IncPublished(action string) {
	m.EventsPublished.WithLabelValues(action).Inc()
}

// IncPublishFailures counts a refused publish.
func (m *Metrics) IncPublishFailures() {
	m.PublishFailures.Inc()
}

// IncPersisted counts a stored event.
func (m *Metrics) IncPersisted(action string) {
	m.EventsPersisted.WithLabelValues(action).Inc()
}

// IncConsumeFailure counts a failed delivery by kind.
func (m *Metrics) IncConsumeFailure(kind string) {
	m.ConsumeFailures.WithLabelValues(kind).Inc()
}

// IncDeadLettered counts a delivery given up on.
func (m *Metrics) IncDeadLettered() {
	m.DeadLettered.Inc()
}

// IncRedelivered counts a delivery sent back for another attempt.
func (m *Metrics) IncRedelivered() {
	m.Redelivered.Inc()
}

// SetConsumerState records the consumer state machine position.
func (m *Metrics) SetConsumerState(state int) {
	m.ConsumerState.Set(float64(state))
}

// IncHistoryRequests counts a history query; by is "target" or "actor".
func (m *Metrics) IncHistoryRequests(by string) {
	m.HistoryRequests.WithLabelValues(by).Inc()
}

// ObservePersistDuration records time spent storing one event.
func (m *Metrics) ObservePersistDuration(seconds float64) {
	m.PersistDuration.Observe(seconds)
}
