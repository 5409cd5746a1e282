package contracts

import "github.com/prometheus/client_golang/prometheus"

var statusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigvault",
	Subsystem: "contracts",
	Name:      "transitions_total",
	Help:      "Contract status transitions by from-state and to-state.",
}, []string{"from", "to"})

func init() {
	prometheus.MustRegister(statusTransitions)
}

func recordTransition(from, to Status) {
	statusTransitions.WithLabelValues(string(from), string(to)).Inc()
}
