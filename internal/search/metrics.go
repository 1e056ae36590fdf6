package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Search queries by outcome.",
	}, []string{"status"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codeindexd",
		Subsystem: "search",
		Name:      "query_duration_seconds",
		Help:      "End-to-end search latency including query embedding.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
