package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	mismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradevault",
		Subsystem: "reconciliation",
		Name:      "custody_mismatches",
		Help:      "Open escrows whose custody disagreed with their record in the last run.",
	})

	openChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradevault",
		Subsystem: "reconciliation",
		Name:      "open_escrows_checked",
		Help:      "Open escrows inspected in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradevault",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradevault",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that could not complete.",
	})
)

func init() {
	prometheus.MustRegister(mismatches, openChecked, runDuration, runErrors)
}
