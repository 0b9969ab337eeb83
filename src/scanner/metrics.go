package scanner

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type scannerMetrics struct {
	erasResolved prometheus.Counter
	erasSkipped  prometheus.Counter
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	pagesFound   prometheus.Counter
}

var (
	scannerMetricsOnce sync.Once
	scannerRegistry    *scannerMetrics
)

func defaultScannerMetrics() *scannerMetrics {
	scannerMetricsOnce.Do(func() {
		scannerRegistry = &scannerMetrics{
			erasResolved: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "scanner",
				Name:      "eras_resolved_total",
				Help:      "Total validator/era pairs resolved from live chain state.",
			}),
			erasSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "scanner",
				Name:      "eras_skipped_total",
				Help:      "Total validator/era checks skipped after a query failure.",
			}),
			cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "scanner",
				Name:      "cache_hits_total",
				Help:      "Total era checks answered from the payout cache.",
			}),
			cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "scanner",
				Name:      "cache_misses_total",
				Help:      "Total era checks that missed the payout cache.",
			}),
			pagesFound: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payoutd",
				Subsystem: "scanner",
				Name:      "unclaimed_pages_total",
				Help:      "Total unclaimed reward pages discovered.",
			}),
		}
		prometheus.MustRegister(
			scannerRegistry.erasResolved,
			scannerRegistry.erasSkipped,
			scannerRegistry.cacheHits,
			scannerRegistry.cacheMisses,
			scannerRegistry.pagesFound,
		)
	})
	return scannerRegistry
}
