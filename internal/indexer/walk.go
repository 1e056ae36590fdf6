package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// fileState aggregates what the collection already holds for one path:
// the file hash and commit stamped on its chunks and the summed token count.
type fileState struct {
	fileHash   string
	commit     string
	tokenCount int64
}

// reuseDecision is the outcome of comparing a file on disk against its
// prefetched collection state.
type reuseDecision int

const (
	// reuseNone: content changed (or never indexed); delete and re-embed.
	reuseNone reuseDecision = iota
	// reuseSkip: hash and commit both match; nothing to do.
	reuseSkip
	// reuseRefresh: hash matches but the commit moved; re-stamp metadata
	// on the existing points without re-embedding.
	reuseRefresh
)

func classifyReuse(prev fileState, found bool, fileHash, commit string) reuseDecision {
	if !found || prev.fileHash != fileHash {
		return reuseNone
	}
	if prev.commit == commit {
		return reuseSkip
	}
	return reuseRefresh
}

// fileInput is one readable, non-binary, size-checked file.
type fileInput struct {
	path    string
	content string
	hash    string
}

// listCandidates returns tracked paths that survive the ignore filter.
func (ix *Indexer) listCandidates(ctx context.Context, exec shellexec.Executor, repoRoot string) ([]string, error) {
	paths, err := gitcli.LsFiles(ctx, exec, repoRoot)
	if err != nil {
		return nil, err
	}
	matcher, err := ix.ignores.Load(ctx, exec, repoRoot)
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if matcher.Matches(p) {
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// readFile loads one candidate through the executor, reading at most
// MaxFileBytes+1 so oversize files are detected without pulling the whole
// blob. Unreadable, oversize, empty, and binary files are skipped with a
// debug log; a nil input with nil error means skipped.
func (ix *Indexer) readFile(ctx context.Context, exec shellexec.Executor, repoRoot, relPath string) (*fileInput, error) {
	limit := ix.opts.MaxFileBytes + 1
	target := repoRoot + "/" + relPath
	res, err := exec.Exec(ctx, fmt.Sprintf("head -c %d %s", limit, shellexec.ShQuote(target)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ix.logger.Debug(ctx, "skipping unreadable file", zap.String("path", relPath), zap.Error(err))
		return nil, nil
	}
	if res.ExitCode != 0 {
		ix.logger.Debug(ctx, "skipping unreadable file",
			zap.String("path", relPath), zap.Int("exit_code", res.ExitCode))
		return nil, nil
	}

	content := res.Stdout
	if int64(len(content)) > ix.opts.MaxFileBytes {
		ix.logger.Debug(ctx, "skipping oversize file",
			zap.String("path", relPath), zap.Int64("limit_bytes", ix.opts.MaxFileBytes))
		return nil, nil
	}
	if strings.TrimSpace(content) == "" {
		ix.logger.Debug(ctx, "skipping empty file", zap.String("path", relPath))
		return nil, nil
	}
	if strings.IndexByte(content, 0) >= 0 {
		ix.logger.Debug(ctx, "skipping binary file", zap.String("path", relPath))
		return nil, nil
	}

	sum := sha1.Sum([]byte(content))
	return &fileInput{path: relPath, content: content, hash: hex.EncodeToString(sum[:])}, nil
}

// prefetchFileStates scrolls the repository's existing points once and
// folds them into a per-path summary for the reuse test. A missing
// collection reads as an empty index.
func (ix *Indexer) prefetchFileStates(ctx context.Context, collection, repoID string) (map[string]fileState, error) {
	states := make(map[string]fileState)
	opts := vectorstore.ScrollOptions{
		Filter:        vectorstore.MustMatch(FieldRepoID, repoID),
		PayloadFields: []string{FieldPath, FieldFileHash, FieldCommit, FieldTokenCount},
		WithPayload:   true,
	}
	err := ix.store.ScrollAll(ctx, collection, opts, func(p *vectorstore.Point) bool {
		path, _ := p.Payload[FieldPath].(string)
		if path == "" {
			return true
		}
		st := states[path]
		if h, ok := p.Payload[FieldFileHash].(string); ok {
			st.fileHash = h
		}
		if c, ok := p.Payload[FieldCommit].(string); ok {
			st.commit = c
		}
		st.tokenCount += payloadInt(p.Payload[FieldTokenCount])
		states[path] = st
		return true
	})
	if err != nil {
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return states, nil
		}
		return nil, fmt.Errorf("prefetching existing chunks: %w", err)
	}
	return states, nil
}

// refreshFilePoints re-stamps commit and indexed_at on the existing points
// of an unchanged file, preserving their vectors. Returns the summed token
// count of the refreshed chunks.
func (ix *Indexer) refreshFilePoints(ctx context.Context, collection, repoID, path, fileHash, commit string) (int64, error) {
	filter := &vectorstore.Filter{Must: []vectorstore.Condition{
		{Field: FieldRepoID, Match: repoID},
		{Field: FieldFileHash, Match: fileHash},
		{Field: FieldPath, Match: path},
	}}
	indexedAt := time.Now().UTC().Format(time.RFC3339)

	var points []*vectorstore.Point
	var tokens int64
	err := ix.store.ScrollAll(ctx, collection, vectorstore.ScrollOptions{
		Filter:      filter,
		WithPayload: true,
		WithVectors: true,
	}, func(p *vectorstore.Point) bool {
		p.Payload[FieldCommit] = commit
		p.Payload[FieldIndexedAt] = indexedAt
		tokens += payloadInt(p.Payload[FieldTokenCount])
		points = append(points, p)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("loading points for %s: %w", path, err)
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := ix.store.Upsert(ctx, collection, points, true); err != nil {
		return 0, fmt.Errorf("refreshing points for %s: %w", path, err)
	}
	return tokens, nil
}

// deleteFilePoints removes every point for one path before re-embedding.
func (ix *Indexer) deleteFilePoints(ctx context.Context, collection, repoID, path string) error {
	filter := &vectorstore.Filter{Must: []vectorstore.Condition{
		{Field: FieldRepoID, Match: repoID},
		{Field: FieldPath, Match: path},
	}}
	return ix.store.DeleteByFilter(ctx, collection, filter, true)
}

func payloadInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
