package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Order processing metrics
	OrdersProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_orders_processed_total",
			Help: "Total number of orders driven to a terminal state, by type and outcome",
		},
		[]string{"offering", "type", "outcome"},
	)

	OrderCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waldur_agent_order_cycle_duration_seconds",
			Help:    "Duration of one order processing cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"offering"},
	)

	// Membership metrics
	MembershipUsersAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_membership_users_added_total",
			Help: "Total usernames added to backend resources",
		},
		[]string{"offering"},
	)

	MembershipUsersRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_membership_users_removed_total",
			Help: "Total usernames removed from backend resources",
		},
		[]string{"offering"},
	)

	// Reporting metrics
	UsageSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_usage_submissions_total",
			Help: "Total usage submissions to the marketplace, by outcome",
		},
		[]string{"offering", "outcome"},
	)

	UsageDecreasesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_usage_decreases_skipped_total",
			Help: "Usage submissions skipped because the value decreased and the backend forbids decreases",
		},
		[]string{"offering"},
	)

	// Event fabric metrics
	StompReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_stomp_reconnects_total",
			Help: "Total STOMP reconnection attempts",
		},
		[]string{"offering", "object_type"},
	)

	StompMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_stomp_messages_total",
			Help: "Total STOMP frames dispatched to handlers",
		},
		[]string{"offering", "object_type"},
	)

	// Health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldur_agent_health_checks_total",
			Help: "Total marketplace health check pings, by outcome",
		},
		[]string{"offering", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersProcessedTotal,
		OrderCycleDuration,
		MembershipUsersAdded,
		MembershipUsersRemoved,
		UsageSubmissionsTotal,
		UsageDecreasesSkipped,
		StompReconnectsTotal,
		StompMessagesTotal,
		HealthChecksTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics listener on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
