// Package metrics pins the Recorder interface the messaging core reports
// through. The shipping transport itself is out of scope (spec.md §1), but
// a concrete Prometheus adapter is provided, grounded on
// email-service/app/metrics/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the pinned observation surface. Every component that takes a
// Recorder accepts nil and treats it as NopRecorder.
type Recorder interface {
	MessageConsumed(queue, eventType string)
	MessageProcessed(eventType string)
	RetryAttempt(eventType string)
	DLQMessage(eventType, reason string)
	AckFailed(queue string)
	IdempotencyHit()
	IdempotencyMiss()
	OutageEnter()
	OutageExit()
}

// NopRecorder discards every observation; the default when no Recorder is
// wired.
type NopRecorder struct{}

func (NopRecorder) MessageConsumed(queue, eventType string) {}
func (NopRecorder) MessageProcessed(eventType string)       {}
func (NopRecorder) RetryAttempt(eventType string)           {}
func (NopRecorder) DLQMessage(eventType, reason string)     {}
func (NopRecorder) AckFailed(queue string)                  {}
func (NopRecorder) IdempotencyHit()                         {}
func (NopRecorder) IdempotencyMiss()                        {}
func (NopRecorder) OutageEnter()                            {}
func (NopRecorder) OutageExit()                             {}

var _ Recorder = NopRecorder{}

// PrometheusRecorder is the concrete, pack-grounded Recorder implementation.
type PrometheusRecorder struct {
	messagesConsumed  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	dlqMessages       *prometheus.CounterVec
	ackFailures       *prometheus.CounterVec
	idempotencyHits   prometheus.Counter
	idempotencyMisses prometheus.Counter
	outageGauge       prometheus.Gauge
}

// NewPrometheusRecorder registers the metric families against the default
// registry via promauto, exactly as email-service's metrics package does.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		messagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbridge_messages_consumed_total",
			Help: "Total number of messages consumed from the broker.",
		}, []string{"queue", "event_type"}),
		messagesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbridge_messages_processed_total",
			Help: "Total number of messages whose user callback succeeded.",
		}, []string{"event_type"}),
		retryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbridge_retry_attempts_total",
			Help: "Total number of redelivery attempts scheduled.",
		}, []string{"event_type"}),
		dlqMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbridge_dlq_messages_total",
			Help: "Total number of messages routed to the dead-letter queue.",
		}, []string{"event_type", "reason"}),
		ackFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbridge_ack_failures_total",
			Help: "Total number of deliveries whose ACK itself failed.",
		}, []string{"queue"}),
		idempotencyHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_idempotency_hits_total",
			Help: "Total number of deliveries short-circuited by the inbox gate.",
		}),
		idempotencyMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_idempotency_misses_total",
			Help: "Total number of deliveries admitted past the inbox gate.",
		}),
		outageGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "eventbridge_broker_outage",
			Help: "1 while the connection supervisor is in outage mode, 0 otherwise.",
		}),
	}
}

func (r *PrometheusRecorder) MessageConsumed(queue, eventType string) {
	r.messagesConsumed.WithLabelValues(queue, eventType).Inc()
}
func (r *PrometheusRecorder) MessageProcessed(eventType string) {
	r.messagesProcessed.WithLabelValues(eventType).Inc()
}
func (r *PrometheusRecorder) RetryAttempt(eventType string) {
	r.retryAttempts.WithLabelValues(eventType).Inc()
}
func (r *PrometheusRecorder) DLQMessage(eventType, reason string) {
	r.dlqMessages.WithLabelValues(eventType, reason).Inc()
}
func (r *PrometheusRecorder) AckFailed(queue string) {
	r.ackFailures.WithLabelValues(queue).Inc()
}
func (r *PrometheusRecorder) IdempotencyHit()  { r.idempotencyHits.Inc() }
func (r *PrometheusRecorder) IdempotencyMiss() { r.idempotencyMisses.Inc() }
func (r *PrometheusRecorder) OutageEnter()     { r.outageGauge.Set(1) }
func (r *PrometheusRecorder) OutageExit()      { r.outageGauge.Set(0) }

// Handler exposes the default Prometheus registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
