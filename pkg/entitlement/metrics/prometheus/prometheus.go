package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	registrationsTotal       *prometheus.CounterVec
	transitionsTotal         *prometheus.CounterVec
	subscriptionFetchTotal   *prometheus.CounterVec
	subscriptionFetchLatency *prometheus.HistogramVec
	gateDecisionsTotal       *prometheus.CounterVec
	lazyExpiriesTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of user registration attempts.",
		}, []string{"status"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_transitions_total",
			Help:      "Total number of payment events reconciled, by event and outcome.",
		}, []string{"event", "outcome"}),

		subscriptionFetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_fetch_total",
			Help:      "Total number of subscription retrievals after checkout.",
		}, []string{"status"}),

		subscriptionFetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_fetch_duration_seconds",
			Help:      "Latency of subscription retrievals after checkout.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		gateDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of access gate evaluations.",
		}, []string{"decision"}),

		lazyExpiriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lazy_expiries_total",
			Help:      "Total number of expired entitlements corrected on read.",
		}, []string{"plan"}),
	}
}

func (m *Metrics) RecordRegistration(status string) {
	m.registrationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordTransition(event, outcome string) {
	m.transitionsTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) RecordSubscriptionFetch(status string, duration time.Duration) {
	m.subscriptionFetchTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.subscriptionFetchLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordGateDecision(decision string) {
	m.gateDecisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordLazyExpiry(plan string) {
	m.lazyExpiriesTotal.WithLabelValues(plan).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
