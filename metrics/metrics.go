// Package metrics defines the Prometheus instrumentation for the triage
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	SubmissionsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_submissions_ingested_total",
			Help: "Total number of submissions accepted by the dispatcher",
		},
	)

	SubmissionsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_submissions_completed_total",
			Help: "Total number of submissions marked complete",
		},
	)

	SubmissionsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_submissions_cancelled_total",
			Help: "Total number of submissions cancelled before completion",
		},
	)

	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_tasks_dispatched_total",
			Help: "Total number of tasks pushed to service queues",
		},
		[]string{"service"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_result_cache_hits_total",
			Help: "Total number of tasks satisfied from the result cache",
		},
		[]string{"service"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_task_retries_total",
			Help: "Total number of failed tasks re-queued for another attempt",
		},
		[]string{"service"},
	)

	TaskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_task_failures_total",
			Help: "Total number of tasks that exhausted their failure limit",
		},
		[]string{"service"},
	)

	FilesExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_files_extracted_total",
			Help: "Total number of extracted files added to live submissions",
		},
	)

	ExpiredRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_expired_records_total",
			Help: "Total number of records removed by the expiry sweeper",
		},
		[]string{"collection"},
	)

	SubmissionsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_submissions_archived_total",
			Help: "Total number of submissions moved to the archive",
		},
	)

	// Gauges
	ActiveSubmissions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_active_submissions",
			Help: "Current number of submissions being dispatched",
		},
	)

	OutstandingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_outstanding_tasks",
			Help: "Current number of dispatched tasks awaiting a report",
		},
	)
)
