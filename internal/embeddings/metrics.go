package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestDuration tracks embedding request latency by operation.
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codeindexd",
			Subsystem: "embeddings",
			Name:      "request_duration_seconds",
			Help:      "Duration of embedding requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// batchTexts tracks how many texts each request carries.
	batchTexts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codeindexd",
			Subsystem: "embeddings",
			Name:      "batch_texts",
			Help:      "Number of texts per embedding request",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"operation"},
	)

	// errorsTotal counts failed embedding requests by operation.
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codeindexd",
			Subsystem: "embeddings",
			Name:      "errors_total",
			Help:      "Total embedding request failures",
		},
		[]string{"operation"},
	)
)

func observeRequest(operation string, elapsed time.Duration, texts int, err error) {
	requestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	batchTexts.WithLabelValues(operation).Observe(float64(texts))
	if err != nil {
		errorsTotal.WithLabelValues(operation).Inc()
	}
}
