package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs accepted by AddJob.",
	})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Job attempt outcomes.",
	}, []string{"result"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codeindexd",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Wall time of successful job attempts.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)
