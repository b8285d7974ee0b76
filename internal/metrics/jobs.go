package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsDispatchedTotal, jobOutcomesTotal, jobDuration, relaySessionsActive, publishFailuresTotal)
}

var jobsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deepship_jobs_dispatched_total",
		Help: "Jobs handed to the task runner, by mode.",
	},
	[]string{"mode"},
)

var jobOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deepship_job_outcomes_total",
		Help: "Relay sessions finalized, by terminal status.",
	},
	[]string{"status"}, // complete, failed, timed_out
)

var jobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "deepship_job_duration_seconds",
		Help:    "Time from dispatch to finalization.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	},
	[]string{"status"},
)

var relaySessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "deepship_relay_sessions_active",
		Help: "Relay sessions currently consuming a job channel.",
	},
)

var publishFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deepship_channel_publish_failures_total",
		Help: "Job channel publish errors, by backend.",
	},
	[]string{"backend"},
)

func IncJobDispatched(mode string) {
	jobsDispatchedTotal.WithLabelValues(norm(mode)).Inc()
}

func ObserveJobOutcome(status string, elapsed time.Duration) {
	jobOutcomesTotal.WithLabelValues(norm(status)).Inc()
	jobDuration.WithLabelValues(norm(status)).Observe(elapsed.Seconds())
}

func RelaySessionStarted() { relaySessionsActive.Inc() }

func RelaySessionEnded() { relaySessionsActive.Dec() }

func IncPublishFailure(backend string) {
	publishFailuresTotal.WithLabelValues(norm(backend)).Inc()
}
