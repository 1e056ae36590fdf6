package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// runState is the shared per-run bookkeeping threaded through the file
// pipeline. states is read-only after prefetch; processed is guarded.
type runState struct {
	params     RunParams
	states     map[string]fileState
	batcher    *embedBatcher
	keepalive  KeepaliveFunc
	onProgress ProgressFunc

	mu        sync.Mutex
	processed map[string]struct{}
	reused    int
	embedded  int
}

func (r *runState) markProcessed(path string) {
	r.mu.Lock()
	r.processed[path] = struct{}{}
	r.mu.Unlock()
}

func (r *runState) countReused() {
	r.mu.Lock()
	r.reused++
	r.mu.Unlock()
}

func (r *runState) countEmbedded() {
	r.mu.Lock()
	r.embedded++
	r.mu.Unlock()
}

// RunFullIndex walks every tracked file, reusing unchanged content and
// embedding the rest, then removes points for paths that no longer exist.
func (ix *Indexer) RunFullIndex(ctx context.Context, exec shellexec.Executor, params RunParams, keepalive KeepaliveFunc, onProgress ProgressFunc) error {
	if err := params.Validate(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "indexer.run_full", trace.WithAttributes(
		attribute.String("repo_id", params.RepoID),
		attribute.String("collection", params.Collection),
	))
	defer span.End()
	started := time.Now()

	candidates, err := ix.listCandidates(ctx, exec, params.RepoRoot)
	if err != nil {
		runsTotal.WithLabelValues("full", "failed").Inc()
		return recordSpanError(span, err)
	}
	if err := ix.prepareCollection(ctx, params); err != nil {
		runsTotal.WithLabelValues("full", "failed").Inc()
		return recordSpanError(span, err)
	}
	states, err := ix.prefetchFileStates(ctx, params.Collection, params.RepoID)
	if err != nil {
		runsTotal.WithLabelValues("full", "failed").Inc()
		return recordSpanError(span, err)
	}

	run := &runState{
		params:     params,
		states:     states,
		batcher:    ix.newEmbedBatcher(ctx, params, fullFlushFiles, keepalive, onProgress),
		keepalive:  keepalive,
		onProgress: onProgress,
		processed:  make(map[string]struct{}, len(candidates)),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(readConcurrency)
	for _, path := range candidates {
		group.Go(func() error {
			return ix.processFile(gctx, exec, run, path)
		})
	}
	if err := group.Wait(); err != nil {
		run.batcher.abort()
		runsTotal.WithLabelValues("full", "failed").Inc()
		return recordSpanError(span, err)
	}
	if err := run.batcher.close(); err != nil {
		runsTotal.WithLabelValues("full", "failed").Inc()
		return recordSpanError(span, err)
	}

	orphans, err := ix.cleanupOrphanedChunks(ctx, params.Collection, params.RepoID, run.processed)
	if err != nil {
		runsTotal.WithLabelValues("full", "failed").Inc()
		return recordSpanError(span, err)
	}

	runsTotal.WithLabelValues("full", "completed").Inc()
	runDuration.WithLabelValues("full").Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.Int("candidate_files", len(candidates)),
		attribute.Int("reused_files", run.reused),
		attribute.Int("embedded_files", run.embedded),
		attribute.Int("orphaned_paths", orphans),
	)
	ix.logger.Info(ctx, "full index complete",
		zap.String("repo_id", params.RepoID),
		zap.String("collection", params.Collection),
		zap.Int("candidate_files", len(candidates)),
		zap.Int("reused_files", run.reused),
		zap.Int("embedded_files", run.embedded),
		zap.Int("orphaned_paths", orphans),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// prepareCollection creates the collection if needed and ensures the
// keyword indexes the reuse test and filtered deletes rely on.
func (ix *Indexer) prepareCollection(ctx context.Context, params RunParams) error {
	if err := ix.store.EnsureCollection(ctx, params.Collection, params.VectorSize); err != nil {
		return err
	}
	for _, field := range []string{FieldRepoID, FieldPath, FieldFileHash} {
		if err := ix.store.EnsurePayloadIndex(ctx, params.Collection, field); err != nil {
			return fmt.Errorf("ensuring payload index %s: %w", field, err)
		}
	}
	return nil
}

// processFile runs one candidate through read, reuse test, and chunking.
// Unreadable files are skipped; reuse outcomes report cached token counts.
func (ix *Indexer) processFile(ctx context.Context, exec shellexec.Executor, run *runState, path string) error {
	input, err := ix.readFile(ctx, exec, run.params.RepoRoot, path)
	if err != nil {
		return err
	}
	if input == nil {
		return nil
	}
	touch(run.keepalive)

	prev, found := run.states[path]
	switch classifyReuse(prev, found, input.hash, run.params.Commit) {
	case reuseSkip:
		run.markProcessed(path)
		run.countReused()
		filesReused.Inc()
		reportProgress(run.onProgress, prev.tokenCount)
		return nil

	case reuseRefresh:
		tokens, err := ix.refreshFilePoints(ctx, run.params.Collection, run.params.RepoID, path, input.hash, run.params.Commit)
		if err != nil {
			return err
		}
		run.markProcessed(path)
		run.countReused()
		filesReused.Inc()
		reportProgress(run.onProgress, tokens)
		return nil
	}

	if found {
		if err := ix.deleteFilePoints(ctx, run.params.Collection, run.params.RepoID, path); err != nil {
			return err
		}
	}
	chunks := ix.chunker.Chunks(input.content)
	if len(chunks) == 0 {
		run.markProcessed(path)
		return nil
	}
	run.batcher.addFile(ix.scrubbedPending(ctx, input, chunks))
	run.markProcessed(path)
	run.countEmbedded()
	return nil
}

// scrubbedPending converts chunks to pending embeds, redacting secrets from
// the text that will be embedded and stored. Hashes stay computed over the
// original content so scrub settings never change point identity.
func (ix *Indexer) scrubbedPending(ctx context.Context, input *fileInput, chunks []Chunk) []pendingChunk {
	pcs := make([]pendingChunk, len(chunks))
	for i, ch := range chunks {
		text := ch.Text
		if ix.scrubber.IsEnabled() {
			res := ix.scrubber.Scrub(ch.Text)
			if res.Total() > 0 {
				secretsRedacted.Add(float64(res.Total()))
				ix.logger.Debug(ctx, "redacted secrets in chunk",
					zap.String("path", input.path), zap.Int("redactions", res.Total()))
			}
			text = res.Content
		}
		pcs[i] = pendingChunk{path: input.path, fileHash: input.hash, chunk: ch, embedText: text}
	}
	return pcs
}

// cleanupOrphanedChunks deletes points whose paths were not seen by this
// run: files removed from the tree, newly ignored, or newly unreadable.
func (ix *Indexer) cleanupOrphanedChunks(ctx context.Context, collection, repoID string, processed map[string]struct{}) (int, error) {
	orphanSet := make(map[string]struct{})
	err := ix.store.ScrollAll(ctx, collection, vectorstore.ScrollOptions{
		Filter:        vectorstore.MustMatch(FieldRepoID, repoID),
		PayloadFields: []string{FieldPath},
		WithPayload:   true,
	}, func(p *vectorstore.Point) bool {
		path, _ := p.Payload[FieldPath].(string)
		if path == "" {
			return true
		}
		if _, ok := processed[path]; !ok {
			orphanSet[path] = struct{}{}
		}
		return true
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scanning for orphaned chunks: %w", err)
	}
	if len(orphanSet) == 0 {
		return 0, nil
	}

	orphans := make([]string, 0, len(orphanSet))
	for p := range orphanSet {
		orphans = append(orphans, p)
	}
	sort.Strings(orphans)

	for start := 0; start < len(orphans); start += orphanDeleteBatch {
		end := start + orphanDeleteBatch
		if end > len(orphans) {
			end = len(orphans)
		}
		filter := &vectorstore.Filter{
			Must: []vectorstore.Condition{{Field: FieldRepoID, Match: repoID}},
		}
		for _, p := range orphans[start:end] {
			filter.Should = append(filter.Should, vectorstore.Condition{Field: FieldPath, Match: p})
		}
		if err := ix.store.DeleteByFilter(ctx, collection, filter, true); err != nil {
			return 0, fmt.Errorf("deleting orphaned chunks: %w", err)
		}
	}
	orphanedPathsDeleted.Add(float64(len(orphans)))
	ix.logger.Info(ctx, "removed orphaned chunks",
		zap.String("repo_id", repoID), zap.Int("paths", len(orphans)))
	return len(orphans), nil
}
