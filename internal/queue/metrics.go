package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_queue_jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	}, []string{"queue", "job"})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_queue_jobs_processed_total",
		Help: "Total number of jobs processed by outcome",
	}, []string{"queue", "job", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_queue_job_duration_seconds",
		Help:    "Job handler duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "job"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Jobs held by the broker per state",
	}, []string{"queue", "state"})
)
