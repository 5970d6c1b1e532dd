package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds webhook pipeline counters. Handlers increment these so
// duplicate storms and verification failures are visible without tracing.
type Metrics struct {
	Registry *prometheus.Registry

	WebhookReceived   *prometheus.CounterVec
	WebhookDuplicates *prometheus.CounterVec
	WebhookSucceeded  *prometheus.CounterVec
	WebhookFailed     *prometheus.CounterVec
	GrantsIssued      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		WebhookReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantline_webhook_events_received_total",
			Help: "Inbound webhook events by provider.",
		}, []string{"provider"}),
		WebhookDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantline_webhook_events_duplicate_total",
			Help: "Webhook re-deliveries short-circuited by the idempotency store.",
		}, []string{"provider"}),
		WebhookSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantline_webhook_events_succeeded_total",
			Help: "Webhook events processed to completion.",
		}, []string{"provider"}),
		WebhookFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantline_webhook_events_failed_total",
			Help: "Webhook events that ended in FAILED status.",
		}, []string{"provider"}),
		GrantsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantline_credit_grants_issued_total",
			Help: "Credit grants issued by source.",
		}, []string{"source"}),
	}

	registry.MustRegister(
		m.WebhookReceived,
		m.WebhookDuplicates,
		m.WebhookSucceeded,
		m.WebhookFailed,
		m.GrantsIssued,
	)
	return m
}
