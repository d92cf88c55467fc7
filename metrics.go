package turnstile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "turnstile"

// metrics holds the Prometheus collectors of one Turnstile.
type metrics struct {
	admissions     *prometheus.CounterVec
	replacements   *prometheus.CounterVec
	terminations   *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	validityChecks *prometheus.CounterVec
	expirations    prometheus.Counter
}

// newMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by result (admitted, limit_exceeded, error).",
		}, []string{"result"}),

		replacements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replacements_total",
			Help:      "Evict-and-replace attempts by result (replaced, victim_not_active, error).",
		}, []string{"result"}),

		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "terminations_total",
			Help:      "Explicit session terminations by result (evicted, not_found, error).",
		}, []string{"result"}),

		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats by result (ok, not_active, not_found, error).",
		}, []string{"result"}),

		validityChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validity_checks_total",
			Help:      "Validity checks by outcome (valid, evicted, expired, not_found, error).",
		}, []string{"outcome"}),

		expirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expirations_total",
			Help:      "Sessions expired for missing the liveness window.",
		}),
	}
}
