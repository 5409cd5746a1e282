package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "payments",
		Name:      "orders_created_total",
		Help:      "Total payment orders created.",
	})

	ordersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "payments",
		Name:      "orders_expired_total",
		Help:      "Total payment orders expired by the stale sweep.",
	})

	gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "payments",
		Name:      "gateway_calls_total",
		Help:      "Total gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"}) // "ok", "error", "circuit_open"

	signatureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "payments",
		Name:      "signature_failures_total",
		Help:      "Total payment signature verification failures by path.",
	}, []string{"path"}) // "checkout", "webhook"
)

func init() {
	prometheus.MustRegister(
		ordersCreated,
		ordersExpired,
		gatewayCalls,
		signatureFailures,
	)
}
