package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_messages_processed_total",
		Help: "Classified messages processed, by outcome",
	}, []string{"outcome"})

	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_dispatch_attempts_total",
		Help: "Delivery attempts, by channel and result",
	}, []string{"channel", "result"})

	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routing_delivery_duration_seconds",
		Help:    "Duration of a delivery including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	EscalationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_escalation_transitions_total",
		Help: "Dispatch record state transitions",
	}, []string{"to"})

	ActiveRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "routing_active_dispatch_records",
		Help: "Dispatch records awaiting acknowledgment",
	})

	ConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "routing_config_version",
		Help: "Currently published configuration version",
	})

	OperatorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_operator_events_total",
		Help: "Events surfaced to operators, by type",
	}, []string{"type"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "routing_channel_breaker_state",
		Help: "Circuit breaker state per channel (0=closed, 1=half-open, 2=open)",
	}, []string{"channel"})
)
