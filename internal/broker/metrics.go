package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency prometheus.Histogram
	ConsumedTotal  *prometheus.CounterVec
	ConsumerErrors prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_publish_total",
				Help: "Total publish attempts.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_publish_latency_seconds",
				Help:    "Publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_consumed_total",
				Help: "Total consumed messages.",
			},
			[]string{"topic", "status"},
		),
		ConsumerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_consumer_errors_total",
				Help: "Errors reported by the consumer group outside message handling.",
			},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency, m.ConsumedTotal, m.ConsumerErrors)
	return m
}

func (m *Metrics) ObservePublish(topic string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(topic, status(err)).Inc()
	m.PublishLatency.Observe(duration.Seconds())
}

func (m *Metrics) ObserveConsume(topic string, err error) {
	if m == nil {
		return
	}
	m.ConsumedTotal.WithLabelValues(topic, status(err)).Inc()
}

func (m *Metrics) IncConsumerError() {
	if m == nil {
		return
	}
	m.ConsumerErrors.Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
