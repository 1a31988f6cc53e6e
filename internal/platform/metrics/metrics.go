// Package metrics registers the Prometheus collectors for the MTD control
// plane. Components hold an optional *Metrics; all record methods are
// nil-safe so tests can construct components without touching the default
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all control-plane Prometheus metrics.
type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	ScoreUpdates     prometheus.Counter
	Shuffles         *prometheus.CounterVec
	UsersReassigned  prometheus.Counter
	ShuffleDuration  prometheus.Histogram
	DomainOperations *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	TrackedDomains   prometheus.Gauge
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_events_published_total",
			Help: "Events delivered through the control-plane bus, by type",
		}, []string{"type"}),

		ScoreUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirage_score_updates_total",
			Help: "Risk score updates applied from detection observations",
		}),

		Shuffles: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_shuffles_total",
			Help: "Shuffle operations by outcome",
		}, []string{"outcome"}),

		UsersReassigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mirage_users_reassigned_total",
			Help: "Users moved to a different egress proxy by a shuffle",
		}),

		ShuffleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirage_shuffle_duration_seconds",
			Help:    "Wall time spent executing a single shuffle",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		DomainOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_domain_operations_total",
			Help: "Domain mutations by operation (create, delete, split, merge, migrate)",
		}, []string{"op"}),

		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_defense_decisions_total",
			Help: "External defense decisions executed, by outcome",
		}, []string{"outcome"}),

		TrackedDomains: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mirage_domains",
			Help: "Domains currently tracked by the domain manager",
		}),
	}
}

func (m *Metrics) IncEventPublished(eventType string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) IncScoreUpdate() {
	if m != nil {
		m.ScoreUpdates.Inc()
	}
}

func (m *Metrics) IncShuffle(success bool) {
	if m != nil {
		m.Shuffles.WithLabelValues(outcome(success)).Inc()
	}
}

func (m *Metrics) AddUsersReassigned(n int) {
	if m != nil {
		m.UsersReassigned.Add(float64(n))
	}
}

func (m *Metrics) ObserveShuffleDuration(d time.Duration) {
	if m != nil {
		m.ShuffleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncDomainOperation(op string) {
	if m != nil {
		m.DomainOperations.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncDecision(success bool) {
	if m != nil {
		m.Decisions.WithLabelValues(outcome(success)).Inc()
	}
}

func (m *Metrics) SetTrackedDomains(n int) {
	if m != nil {
		m.TrackedDomains.Set(float64(n))
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
