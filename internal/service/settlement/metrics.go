package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	Retries            prometheus.Counter
	DeadLetters        *prometheus.CounterVec
	Republished        prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_settlements_total",
				Help: "Total settlement commands handled.",
			},
			[]string{"type", "outcome"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_settlement_duration_seconds",
				Help:    "Settlement processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_settlement_retries_total",
				Help: "Total settlement retries after transient errors.",
			},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_settlement_dead_letters_total",
				Help: "Total commands sent to the dead-letter topic.",
			},
			[]string{"reason"},
		),
		Republished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_settlement_republished_total",
				Help: "Total commands published again for stale PENDING transactions.",
			},
		),
	}

	registry.MustRegister(m.SettlementsTotal, m.SettlementDuration, m.Retries, m.DeadLetters, m.Republished)
	return m
}

func (m *Metrics) ObserveSettlement(txType string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(txType, outcome).Inc()
	m.SettlementDuration.WithLabelValues(txType).Observe(duration.Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) IncDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRepublished() {
	if m == nil {
		return
	}
	m.Republished.Inc()
}
