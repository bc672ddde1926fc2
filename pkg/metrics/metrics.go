// Package metrics holds Prometheus collectors of the rating service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rateable"

// Outcome labels.
const (
	OutcomeUpdated     = "updated"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
)

// Metrics is the set of collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	recomputations  *prometheus.CounterVec
	recomputeTime   prometheus.Histogram
	submissions     *prometheus.CounterVec
	conflictRetries prometheus.Counter
}

// New creates the collectors and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recomputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputations_total",
			Help:      "Aggregate recomputations by outcome.",
		}, []string{"outcome"}),
		recomputeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent recomputing a parent aggregate.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Rating submissions by outcome.",
		}, []string{"outcome"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Transactions retried after an optimistic concurrency conflict.",
		}),
	}
	m.registry.MustRegister(m.recomputations, m.recomputeTime, m.submissions, m.conflictRetries)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRecompute records one recomputation.
func (m *Metrics) ObserveRecompute(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.recomputations.WithLabelValues(outcome).Inc()
	m.recomputeTime.Observe(seconds)
}

// ObserveSubmission records one submission.
func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// IncConflictRetries counts a conflict retry.
func (m *Metrics) IncConflictRetries() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}
