package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeindexd",
		Subsystem: "vectorstore",
		Name:      "operation_duration_seconds",
		Help:      "Duration of vector store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	pointsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "vectorstore",
		Name:      "points_upserted_total",
		Help:      "Total points written to Qdrant.",
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "vectorstore",
		Name:      "retries_total",
		Help:      "Transient-error retries by operation.",
	}, []string{"operation"})
)

func observeOp(operation string, elapsed time.Duration) {
	opDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
