/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Operational counters for the ledger surface: transactions by type,
  redemption plans by outcome, swept instruments, integrity failures, and
  a latency histogram for the redeem path. Exposed at /metrics.
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	InstrumentsCreated *prometheus.CounterVec
	Transactions       *prometheus.CounterVec
	Plans              *prometheus.CounterVec
	Swept              prometheus.Counter
	IntegrityFailures  prometheus.Counter
	RedeemDuration     prometheus.Histogram
}

// NewMetrics registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InstrumentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storedvalue_instruments_created_total",
			Help: "Instruments created, by kind.",
		}, []string{"kind"}),
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storedvalue_transactions_total",
			Help: "Ledger transactions written through the API, by type.",
		}, []string{"type"}),
		Plans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storedvalue_redemption_plans_total",
			Help: "Redemption plans, by outcome (full, partial, failed).",
		}, []string{"outcome"}),
		Swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "storedvalue_instruments_swept_total",
			Help: "Instruments expired by the sweeper.",
		}),
		IntegrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "storedvalue_integrity_failures_total",
			Help: "Verify calls that found a balance/log mismatch.",
		}),
		RedeemDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "storedvalue_redeem_duration_seconds",
			Help:    "End-to-end latency of redemption plans.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
