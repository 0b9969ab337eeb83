package settlement

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type settlementMetrics struct {
	claimsConfirmed prometheus.Counter
	claimsFailed    prometheus.Counter
}

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *settlementMetrics
)

func defaultSettlementMetrics() *settlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			claimsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "settlement",
				Name:      "claims_confirmed_total",
				Help:      "Total claim transactions finalized on chain.",
			}),
			claimsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "settlement",
				Name:      "claims_failed_total",
				Help:      "Total claim transactions that failed to finalize.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.claimsConfirmed,
			settlementRegistry.claimsFailed,
		)
	})
	return settlementRegistry
}
