package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reservation_saga"

// Metrics holds every collector the services record into.
type Metrics struct {
	Published         *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	SagaTransitions   *prometheus.CounterVec
	Reservations      *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	WebhookDuration   *prometheus.HistogramVec
	DedupFailOpen     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass a fresh registry per test.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_published_total",
			Help:      "Messages published to the exchange, by routing key and result.",
		}, []string{"routing_key", "result"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_decisions_total",
			Help:      "Consumer decisions, by queue and decision.",
		}, []string{"queue", "decision"}),
		SagaTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_reservations_total",
			Help:      "Reservation outcomes produced by the inventory side.",
		}, []string{"result"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts, by subscriber and outcome.",
		}, []string{"subscriber", "outcome"}),
		WebhookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Latency of webhook HTTP deliveries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscriber"}),
		DedupFailOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_fail_open_total",
			Help:      "Dedup store operations answered fail-open because the store was unavailable.",
		}, []string{"op"}),
	}
}

// Nop returns collectors registered on a private registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
