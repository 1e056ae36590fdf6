package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// pendingChunk is one chunk queued for embedding. embedText is the
// scrubbed text; the chunk hash stays computed over the original content
// so point identity is independent of scrubbing configuration.
type pendingChunk struct {
	path      string
	fileHash  string
	chunk     Chunk
	embedText string
}

// embedBatcher accumulates chunks across files and ships them to the
// embedding provider in capped batches. Embeds run concurrently on an
// errgroup bounded by the configured embedding concurrency; adding while
// every slot is busy blocks, which bounds memory under a slow provider.
type embedBatcher struct {
	ix         *Indexer
	params     RunParams
	keepalive  KeepaliveFunc
	onProgress ProgressFunc
	flushFiles int

	group *errgroup.Group
	gctx  context.Context

	mu      sync.Mutex
	pending []pendingChunk
	tokens  int
	files   int
}

func (ix *Indexer) newEmbedBatcher(ctx context.Context, params RunParams, flushFiles int, keepalive KeepaliveFunc, onProgress ProgressFunc) *embedBatcher {
	group, gctx := errgroup.WithContext(ctx)
	limit := ix.opts.EmbeddingConcurrency
	if limit < 1 {
		limit = 1
	}
	group.SetLimit(limit)
	return &embedBatcher{
		ix:         ix,
		params:     params,
		keepalive:  keepalive,
		onProgress: onProgress,
		flushFiles: flushFiles,
		group:      group,
		gctx:       gctx,
	}
}

// addFile queues one file's chunks, flushing whenever the pending token
// total would exceed the per-request cap and again once enough files have
// accumulated.
func (b *embedBatcher) addFile(chunks []pendingChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pc := range chunks {
		if len(b.pending) > 0 && b.tokens+pc.chunk.TokenCount > b.ix.opts.EmbeddingMaxTokens {
			b.flushLocked()
		}
		b.pending = append(b.pending, pc)
		b.tokens += pc.chunk.TokenCount
	}
	b.files++
	if b.files >= b.flushFiles {
		b.flushLocked()
	}
}

func (b *embedBatcher) flushLocked() {
	if len(b.pending) == 0 {
		b.files = 0
		return
	}
	batch := b.pending
	batchTokens := int64(b.tokens)
	b.pending = nil
	b.tokens = 0
	b.files = 0

	b.group.Go(func() error {
		return b.embedAndUpsert(batch, batchTokens)
	})
}

// close flushes the remainder and waits for every in-flight embed.
func (b *embedBatcher) close() error {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
	return b.group.Wait()
}

// abort discards pending chunks and waits for in-flight embeds, used when
// the read side already failed.
func (b *embedBatcher) abort() {
	b.mu.Lock()
	b.pending = nil
	b.tokens = 0
	b.files = 0
	b.mu.Unlock()
	_ = b.group.Wait()
}

func (b *embedBatcher) embedAndUpsert(batch []pendingChunk, batchTokens int64) error {
	if len(batch) == 0 {
		return nil
	}
	touch(b.keepalive)

	texts := make([]string, len(batch))
	for i, pc := range batch {
		texts[i] = pc.embedText
	}
	vectors, err := b.ix.embedder.EmbedDocuments(b.gctx, texts)
	if err != nil {
		return fmt.Errorf("embedding batch of %d chunks: %w", len(batch), err)
	}

	// A size drift means the provider answered for a different model than
	// the collection was created for. Storing those vectors would corrupt
	// search, so the whole batch is dropped and the run continues.
	if len(vectors) != len(batch) {
		batchesDropped.Inc()
		b.ix.logger.Warn(b.gctx, "embedding batch dropped: vector count mismatch",
			zap.Int("chunks", len(batch)), zap.Int("vectors", len(vectors)))
		return nil
	}
	for i, vec := range vectors {
		if len(vec) != b.params.VectorSize {
			batchesDropped.Inc()
			b.ix.logger.Warn(b.gctx, "embedding batch dropped: vector size mismatch",
				zap.Int("expected", b.params.VectorSize),
				zap.Int("got", len(vec)),
				zap.String("path", batch[i].path))
			return nil
		}
	}

	indexedAt := time.Now().UTC().Format(time.RFC3339)
	points := make([]*vectorstore.Point, len(batch))
	for i, pc := range batch {
		points[i] = &vectorstore.Point{
			ID:     b.ix.PointID(b.params.RepoID, pc.path, pc.chunk.Hash),
			Vector: vectors[i],
			Payload: map[string]any{
				FieldRepoID:     b.params.RepoID,
				FieldPath:       pc.path,
				FieldStartLine:  pc.chunk.StartLine,
				FieldEndLine:    pc.chunk.EndLine,
				FieldText:       pc.embedText,
				FieldChunkHash:  pc.chunk.Hash,
				FieldFileHash:   pc.fileHash,
				FieldCommit:     b.params.Commit,
				FieldIndexedAt:  indexedAt,
				FieldTokenCount: pc.chunk.TokenCount,
			},
		}
	}
	if err := b.ix.store.Upsert(b.gctx, b.params.Collection, points, true); err != nil {
		return fmt.Errorf("upserting batch of %d points: %w", len(points), err)
	}

	chunksEmbedded.Add(float64(len(batch)))
	tokensIndexed.Add(float64(batchTokens))
	reportProgress(b.onProgress, batchTokens)
	return nil
}

func reportProgress(fn ProgressFunc, tokens int64) {
	if fn != nil && tokens > 0 {
		fn(tokens)
	}
}

func touch(fn KeepaliveFunc) {
	if fn != nil {
		fn()
	}
}
