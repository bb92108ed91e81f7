package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersAdmitted counts orders accepted into the lifecycle by outcome
// (submitted, risk_rejected).
var OrdersAdmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ordex_orders_admitted_total",
		Help: "Total number of orders admitted, by admission outcome",
	},
	[]string{"outcome"},
)

// OrdersExecuted counts terminal execution outcomes (filled, rejected).
var OrdersExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ordex_orders_executed_total",
		Help: "Total number of orders reaching a terminal state via execution",
	},
	[]string{"outcome"},
)

// AdmissionLatency records latency distribution of order admission
var AdmissionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ordex_order_admission_latency_seconds",
		Help:    "Latency in seconds to admit an order",
		Buckets: prometheus.DefBuckets,
	},
)

// Event bus metrics
var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordex_events_published_total",
			Help: "Total number of events published, by topic",
		},
		[]string{"topic"},
	)

	EventsRedelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordex_events_redelivered_total",
			Help: "Total number of event redeliveries after handler failure, by topic",
		},
		[]string{"topic"},
	)
)

// RiskDecisions counts risk admission decisions by result (approved, rejected).
var RiskDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ordex_risk_decisions_total",
		Help: "Total number of risk admission decisions, by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(OrdersAdmitted, OrdersExecuted, AdmissionLatency)
	prometheus.MustRegister(EventsPublished, EventsRedelivered, RiskDecisions)
}
