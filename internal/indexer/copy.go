package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// CopyCollectionPoints clones every point of source into target, vectors
// included, so a new branch can start from a completed sibling instead of
// re-embedding the whole tree. A missing source copies nothing and is not
// an error. Returns the number of copied points.
func (ix *Indexer) CopyCollectionPoints(ctx context.Context, source, target string) (int, error) {
	ctx, span := tracer.Start(ctx, "indexer.copy_collection", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("target", target),
	))
	defer span.End()

	var (
		batch    []*vectorstore.Point
		copied   int
		flushErr error
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ix.store.Upsert(ctx, target, batch, true); err != nil {
			return fmt.Errorf("copying %d points into %s: %w", len(batch), target, err)
		}
		copied += len(batch)
		batch = nil
		return nil
	}

	err := ix.store.ScrollAll(ctx, source, vectorstore.ScrollOptions{
		WithPayload: true,
		WithVectors: true,
	}, func(p *vectorstore.Point) bool {
		batch = append(batch, p)
		if len(batch) >= copyBatch {
			if flushErr = flush(); flushErr != nil {
				return false
			}
		}
		return true
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return copied, recordSpanError(span, err)
	}
	if flushErr != nil {
		return copied, recordSpanError(span, flushErr)
	}
	if err := flush(); err != nil {
		return copied, recordSpanError(span, err)
	}

	span.SetAttributes(attribute.Int("points", copied))
	ix.logger.Info(ctx, "copied collection points",
		zap.String("source", source), zap.String("target", target), zap.Int("points", copied))
	return copied, nil
}
