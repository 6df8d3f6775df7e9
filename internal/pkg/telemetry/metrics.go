package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors of the listener. A nil *Metrics
// is valid and records nothing, which keeps tests free of registries.
type Metrics struct {
	events          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	conflictRetries prometheus.Counter
	stepDuration    prometheus.Histogram
	malformed       prometheus.Counter
	deadLetters     prometheus.Counter
	publishFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_events_total",
			Help: "Inbound events handled by the orchestrator, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "State transitions applied to saga instances.",
		}, []string{"from", "to"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_conflict_retries_total",
			Help: "Read-modify-write cycles retried after a version conflict.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Duration of the processing step.",
			Buckets: prometheus.DefBuckets,
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listener_malformed_total",
			Help: "Inbound messages that could not be decoded.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listener_dead_letters_total",
			Help: "Messages forwarded to the dead-letter topic.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_publish_failures_total",
			Help: "Outbound terminal events that could not be published.",
		}),
	}
	reg.MustRegister(
		m.events, m.transitions, m.conflictRetries, m.stepDuration,
		m.malformed, m.deadLetters, m.publishFailures,
	)
	return m
}

func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) StepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) PublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
