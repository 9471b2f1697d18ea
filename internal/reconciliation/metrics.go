package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "receiptescrow",
		Subsystem: "reconciliation",
		Name:      "receipts_checked",
		Help:      "Number of receipts compared against their contract in the last run.",
	})

	reconcileDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "receiptescrow",
		Subsystem: "reconciliation",
		Name:      "drift_receipts",
		Help:      "Number of receipts whose ledger record disagreed with the chain in the last run.",
	})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "receiptescrow",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "receiptescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "receiptescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation read errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileChecked,
		reconcileDrift,
		reconcileLastRun,
		reconcileDuration,
		reconcileErrors,
	)
}
