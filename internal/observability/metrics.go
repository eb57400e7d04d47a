package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the governance pipeline
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	PolicyViolations   *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	WebhookDeliveries  *prometheus.CounterVec
	CostCommitted      *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
}

// NewMetrics registers the pipeline instruments on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "requests_total",
			Help:      "Governed requests by provider, model and outcome status",
		}, []string{"provider", "model", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "governance",
			Name:      "request_duration_seconds",
			Help:      "End-to-end pipeline latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "model"}),

		PolicyViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "policy_violations_total",
			Help:      "Rule failures by policy type and enforcement level",
		}, []string{"policy_type", "enforcement_level"}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by provider",
		}, []string{"provider", "state"}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by event and result",
		}, []string{"event", "result"}),

		CostCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "cost_committed_dollars_total",
			Help:      "Committed spend in dollars by provider and model",
		}, []string{"provider", "model"}),

		TokensProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "tokens_processed_total",
			Help:      "Token throughput by provider, model and direction",
		}, []string{"provider", "model", "direction"}),
	}
}
