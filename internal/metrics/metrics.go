package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipflow_jobs_executed_total",
			Help: "Total number of job executions by target type and outcome",
		},
		[]string{"target_type", "outcome"}, // outcome: "complete" or "error"
	)

	TokensUsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipflow_tokens_used_total",
			Help: "Total generative-service tokens consumed",
		},
		[]string{"direction"}, // input, output
	)

	WorkflowsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipflow_workflows_finished_total",
			Help: "Total number of workflow runs by final status",
		},
		[]string{"status"},
	)

	// Gauges
	WorkflowsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipflow_workflows_running",
			Help: "Number of workflow execution loops currently active in this process",
		},
	)

	// Histogram for job execution duration
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipflow_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5min
		},
		[]string{"target_type"},
	)
)
