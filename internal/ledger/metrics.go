package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	entriesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Total ledger entries appended by type.",
	}, []string{"type"})

	duplicateFundings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "ledger",
		Name:      "duplicate_fundings_total",
		Help:      "Funding attempts deduplicated by gateway payment id.",
	})
)

func init() {
	prometheus.MustRegister(entriesAppended, duplicateFundings)
}

func recordEntryAppended(typ EntryType) {
	entriesAppended.WithLabelValues(string(typ)).Inc()
}

func recordDuplicateFunding() {
	duplicateFundings.Inc()
}
