// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docbroker_jobs_created_total",
		Help: "Jobs created by users.",
	})
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docbroker_jobs_claimed_total",
		Help: "Queue claims that handed a job to a worker.",
	})
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docbroker_jobs_completed_total",
		Help: "Jobs finalized as DONE.",
	})
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docbroker_jobs_failed_total",
		Help: "Jobs reported as failed by workers.",
	})
	ResultsDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docbroker_results_downloaded_total",
		Help: "Result archives streamed to owners.",
	})
)
