package indexer

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
)

// changedFile is one entry of the incremental change set.
type changedFile struct {
	path    string
	deleted bool
}

// RunIncrementalIndex reindexes only the paths changed since
// LastIndexedCommit, deleting points for removed files. It falls back to a
// full run when no previous commit exists or the diff cannot be computed,
// which happens on shallow clones that no longer contain the old commit.
func (ix *Indexer) RunIncrementalIndex(ctx context.Context, exec shellexec.Executor, params RunParams, keepalive KeepaliveFunc, onProgress ProgressFunc) error {
	if params.LastIndexedCommit == "" {
		ix.logger.Info(ctx, "no previous commit, running full index",
			zap.String("repo_id", params.RepoID))
		return ix.RunFullIndex(ctx, exec, params, keepalive, onProgress)
	}
	if err := params.Validate(); err != nil {
		return err
	}

	changed, err := ix.changedFiles(ctx, exec, params.RepoRoot, params.LastIndexedCommit, params.Commit)
	if err != nil {
		ix.logger.Warn(ctx, "change detection failed, running full index",
			zap.String("repo_id", params.RepoID),
			zap.String("from", params.LastIndexedCommit),
			zap.Error(err))
		return ix.RunFullIndex(ctx, exec, params, keepalive, onProgress)
	}

	ctx, span := tracer.Start(ctx, "indexer.run_incremental", trace.WithAttributes(
		attribute.String("repo_id", params.RepoID),
		attribute.String("collection", params.Collection),
		attribute.Int("changed_files", len(changed)),
	))
	defer span.End()
	started := time.Now()

	if err := ix.prepareCollection(ctx, params); err != nil {
		runsTotal.WithLabelValues("incremental", "failed").Inc()
		return recordSpanError(span, err)
	}

	var survivors []string
	var deletes int
	for _, cf := range changed {
		if cf.deleted {
			if err := ix.deleteFilePoints(ctx, params.Collection, params.RepoID, cf.path); err != nil {
				runsTotal.WithLabelValues("incremental", "failed").Inc()
				return recordSpanError(span, err)
			}
			deletes++
			continue
		}
		survivors = append(survivors, cf.path)
	}

	states, err := ix.prefetchFileStates(ctx, params.Collection, params.RepoID)
	if err != nil {
		runsTotal.WithLabelValues("incremental", "failed").Inc()
		return recordSpanError(span, err)
	}

	run := &runState{
		params:     params,
		states:     states,
		batcher:    ix.newEmbedBatcher(ctx, params, incrementalFlushFiles, keepalive, onProgress),
		keepalive:  keepalive,
		onProgress: onProgress,
		processed:  make(map[string]struct{}, len(survivors)),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(readConcurrency)
	for _, path := range survivors {
		group.Go(func() error {
			return ix.processFile(gctx, exec, run, path)
		})
	}
	if err := group.Wait(); err != nil {
		run.batcher.abort()
		runsTotal.WithLabelValues("incremental", "failed").Inc()
		return recordSpanError(span, err)
	}
	if err := run.batcher.close(); err != nil {
		runsTotal.WithLabelValues("incremental", "failed").Inc()
		return recordSpanError(span, err)
	}

	runsTotal.WithLabelValues("incremental", "completed").Inc()
	runDuration.WithLabelValues("incremental").Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.Int("reused_files", run.reused),
		attribute.Int("embedded_files", run.embedded),
		attribute.Int("deleted_paths", deletes),
	)
	ix.logger.Info(ctx, "incremental index complete",
		zap.String("repo_id", params.RepoID),
		zap.String("collection", params.Collection),
		zap.Int("changed_files", len(changed)),
		zap.Int("reused_files", run.reused),
		zap.Int("embedded_files", run.embedded),
		zap.Int("deleted_paths", deletes),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// changedFiles unions the committed diff with porcelain working-tree
// changes and classifies each surviving path as present or deleted. A path
// is deleted when it is neither tracked nor present as a non-deleted
// working-tree change; rename sources count as deleted.
func (ix *Indexer) changedFiles(ctx context.Context, exec shellexec.Executor, repoRoot, from, to string) ([]changedFile, error) {
	diffNames, err := gitcli.DiffNames(ctx, exec, repoRoot, from, to)
	if err != nil {
		return nil, err
	}
	statusChanges, err := gitcli.StatusPorcelain(ctx, exec, repoRoot)
	if err != nil {
		return nil, err
	}
	tracked, err := gitcli.LsFiles(ctx, exec, repoRoot)
	if err != nil {
		return nil, err
	}
	matcher, err := ix.ignores.Load(ctx, exec, repoRoot)
	if err != nil {
		return nil, err
	}

	exists := make(map[string]struct{}, len(tracked))
	for _, p := range tracked {
		exists[p] = struct{}{}
	}

	set := make(map[string]struct{}, len(diffNames))
	for _, p := range diffNames {
		set[p] = struct{}{}
	}
	for _, sc := range statusChanges {
		set[sc.Path] = struct{}{}
		if sc.Deleted {
			delete(exists, sc.Path)
		} else {
			exists[sc.Path] = struct{}{}
		}
		if sc.OldPath != "" {
			set[sc.OldPath] = struct{}{}
			delete(exists, sc.OldPath)
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	changed := make([]changedFile, 0, len(paths))
	for _, p := range paths {
		if matcher.Matches(p) {
			continue
		}
		_, present := exists[p]
		changed = append(changed, changedFile{path: p, deleted: !present})
	}
	return changed, nil
}
