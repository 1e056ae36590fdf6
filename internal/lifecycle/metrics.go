package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	initsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "lifecycle",
		Name:      "init_requests_total",
		Help:      "GetOrInitIndex calls by outcome.",
	}, []string{"result"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "lifecycle",
		Name:      "jobs_total",
		Help:      "Background index jobs by outcome.",
	}, []string{"result"})

	seededBranches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "lifecycle",
		Name:      "branches_seeded_total",
		Help:      "Branch collections bootstrapped by copying a sibling branch.",
	})

	indexesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeindexd",
		Subsystem: "lifecycle",
		Name:      "indexes_recovered_total",
		Help:      "Orphaned indexes re-enqueued at startup.",
	})
)

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
