// Package observability groups the Prometheus instruments shared by the
// assistant services.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the services.
type Metrics struct {
	InboundTurns     *prometheus.CounterVec
	QueuePublishes   *prometheus.CounterVec
	WorkerOutcomes   *prometheus.CounterVec
	DeliveryAttempts prometheus.Counter
	InFlightHandlers prometheus.Gauge
	HandlerDuration  *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		InboundTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_turns_total",
			Help:      "Webhook turns by session state at arrival.",
		}, []string{"state"}),
		QueuePublishes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publishes_total",
			Help:      "Queue publishes by queue and result.",
		}, []string{"queue", "result"}),
		WorkerOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_outcomes_total",
			Help:      "Worker handler outcomes by worker and outcome.",
		}, []string{"worker", "outcome"}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound provider send attempts, including retries.",
		}),
		InFlightHandlers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_handlers",
			Help:      "Queue message handlers currently running.",
		}),
		HandlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Queue handler duration by worker.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"worker"}),
	}
}

// ObserveHandler records one handler completion.
func (m *Metrics) ObserveHandler(worker, outcome string, d time.Duration) {
	m.WorkerOutcomes.WithLabelValues(worker, outcome).Inc()
	m.HandlerDuration.WithLabelValues(worker).Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
