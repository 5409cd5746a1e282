package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	confirmations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "reconcile",
		Name:      "confirmations_total",
		Help:      "Total payment confirmations by path and outcome.",
	}, []string{"path", "outcome"}) // path: "checkout", "webhook"; outcome: "funded", "duplicate", "signature_mismatch", "ignored", "error"

	auditMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigvault",
		Subsystem: "reconcile",
		Name:      "audit_mismatches",
		Help:      "Contracts whose stored escrow status disagreed with the ledger in the last audit run.",
	})

	auditDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gigvault",
		Subsystem: "reconcile",
		Name:      "audit_duration_seconds",
		Help:      "Duration of ledger audit runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		confirmations,
		auditMismatches,
		auditDuration,
	)
}
