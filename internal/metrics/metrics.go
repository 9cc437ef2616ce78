// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts provider webhook deliveries by event type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Name:      "webhook_events_total",
		Help:      "Payment webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlements",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	RateLimitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limiter decisions by policy.",
	}, []string{"policy", "allowed"})

	GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Name:      "grants_total",
		Help:      "Entitlement grant calls by product family and outcome.",
	}, []string{"family", "outcome"})

	UsageIncrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Name:      "usage_increments_total",
		Help:      "Usage quota increments by decision.",
	}, []string{"allowed"})

	// StoreErrorsTotal counts counter store failures surfaced to callers.
	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Name:      "store_errors_total",
		Help:      "Counter store failures by component.",
	}, []string{"component"})
)

// Bool renders a decision as a label value.
func Bool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
