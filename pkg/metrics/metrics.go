// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fuelcontrol"

var (
	timerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_transitions_total",
			Help:      "Count of pilot timer state transitions.",
		},
		[]string{"pilot", "from", "to"},
	)

	meteredMinutes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metered_minutes_total",
			Help:      "Whole minutes settled by the burn loop, free minutes included.",
		},
		[]string{"pilot", "mode"},
	)

	creditsBurned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_burned_total",
			Help:      "Credits debited by the burn loop.",
		},
		[]string{"pilot", "mode"},
	)

	runningTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_timers",
			Help:      "Number of pilots with a running timer.",
		},
	)

	persistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_persist_failures_total",
			Help:      "Queued ledger writes that failed and were handed back for retry.",
		},
		[]string{"task_type"},
	)

	notices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_notices_total",
			Help:      "Engine-raised user notices by kind.",
		},
		[]string{"kind"},
	)
)

// RecordTimerTransition counts one timer state transition. Wired into the
// timer package's transition hook at startup.
func RecordTimerTransition(pilot, from, to string) {
	timerTransitions.WithLabelValues(pilot, from, to).Inc()
}

// RecordMeteredMinute counts one settled minute boundary.
func RecordMeteredMinute(pilot, mode string) {
	meteredMinutes.WithLabelValues(pilot, mode).Inc()
}

// RecordCreditsBurned adds the credits charged for one minute.
func RecordCreditsBurned(pilot, mode string, credits float64) {
	creditsBurned.WithLabelValues(pilot, mode).Add(credits)
}

// SetRunningTimers updates the running-timer gauge.
func SetRunningTimers(count int) {
	runningTimers.Set(float64(count))
}

// RecordPersistFailure counts a failed queued write by task type.
func RecordPersistFailure(taskType string) {
	persistFailures.WithLabelValues(taskType).Inc()
}

// RecordNotice counts an engine notice by kind.
func RecordNotice(kind string) {
	notices.WithLabelValues(kind).Inc()
}
