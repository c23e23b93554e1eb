package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Action metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_actions_total",
			Help: "Total number of executed actions by verb and result",
		},
		[]string{"verb", "result"},
	)

	ActionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_actions_in_flight",
			Help: "Number of actions currently executing",
		},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_action_duration_seconds",
			Help:    "Action execution duration by verb",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"verb"},
	)

	// Lock metrics
	LockStealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_lock_steals_total",
			Help: "Total number of lock steals by scope",
		},
		[]string{"scope"},
	)

	LockRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_lock_retries_total",
			Help: "Total number of lock acquisition retries",
		},
	)

	// Policy metrics
	PolicyCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_policy_check_failures_total",
			Help: "Total number of failed policy checks by target",
		},
		[]string{"target"},
	)

	// Registry metrics
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_heartbeats_total",
			Help: "Total number of service heartbeats written",
		},
	)

	EnginesGCTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_engines_gc_total",
			Help: "Total number of dead engines garbage collected",
		},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		ActionsTotal,
		ActionsInFlight,
		ActionDuration,
		LockStealsTotal,
		LockRetriesTotal,
		PolicyCheckFailures,
		HeartbeatsTotal,
		EnginesGCTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
