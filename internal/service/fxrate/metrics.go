package fxrate

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Lookups        *prometheus.CounterVec
	SourceFailures *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_rate_lookups_total",
				Help: "Total exchange rate lookups by source that answered.",
			},
			[]string{"source"},
		),
		SourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_rate_source_failures_total",
				Help: "Total failures of cache or provider during rate lookup.",
			},
			[]string{"source"},
		),
	}

	registry.MustRegister(m.Lookups, m.SourceFailures)
	return m
}

func (m *Metrics) IncLookup(source Source) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) IncFailure(source Source) {
	if m == nil {
		return
	}
	m.SourceFailures.WithLabelValues(string(source)).Inc()
}
