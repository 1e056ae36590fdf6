package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "runs_total",
		Help:      "Indexing runs by mode and outcome.",
	}, []string{"mode", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "run_duration_seconds",
		Help:      "Wall time of indexing runs by mode.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"mode"})

	chunksEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "chunks_embedded_total",
		Help:      "Chunks sent to the embedding provider and stored.",
	})

	tokensIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "tokens_indexed_total",
		Help:      "Token count of embedded chunks.",
	})

	filesReused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "files_reused_total",
		Help:      "Files whose existing points were reused without re-embedding.",
	})

	batchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "embed_batches_dropped_total",
		Help:      "Embedding batches dropped on vector count or size mismatch.",
	})

	orphanedPathsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "orphaned_paths_deleted_total",
		Help:      "Paths whose stale points were removed by orphan cleanup.",
	})

	secretsRedacted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "indexer",
		Name:      "secrets_redacted_total",
		Help:      "Secret findings redacted from chunk text before embedding.",
	})
)

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
