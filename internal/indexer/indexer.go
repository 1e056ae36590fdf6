// Package indexer turns a git working tree into deterministic, per-chunk
// vector points. It owns chunking, embedding batches, reuse detection, and
// the identity scheme (repo ids, slugs, collection names, point ids) that
// the lifecycle manager and search path share.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/codeindexd/internal/config"
	"github.com/fyrsmithlabs/codeindexd/internal/embeddings"
	"github.com/fyrsmithlabs/codeindexd/internal/ignore"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/secrets"
	"github.com/fyrsmithlabs/codeindexd/internal/tokenizer"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

var tracer = otel.Tracer("codeindexd.indexer")

const (
	// readConcurrency bounds parallel file reads per run.
	readConcurrency = 10

	// fullFlushFiles flushes the embed batcher after this many files
	// during a full index; incrementalFlushFiles during an incremental one.
	fullFlushFiles        = 15
	incrementalFlushFiles = 50

	// orphanDeleteBatch bounds the should-OR conditions per delete call.
	orphanDeleteBatch = 500

	// copyBatch bounds points per upsert while copying a collection.
	copyBatch = 500
)

// Payload field names shared with the search path.
const (
	FieldRepoID     = "repo_id"
	FieldPath       = "path"
	FieldStartLine  = "start_line"
	FieldEndLine    = "end_line"
	FieldText       = "text"
	FieldChunkHash  = "chunk_hash"
	FieldFileHash   = "file_hash"
	FieldCommit     = "commit"
	FieldIndexedAt  = "indexed_at"
	FieldTokenCount = "token_count"
)

// VectorStore is the slice of the vector store surface the indexer uses.
// *vectorstore.Adapter satisfies it.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	EnsurePayloadIndex(ctx context.Context, name, field string) error
	Upsert(ctx context.Context, name string, points []*vectorstore.Point, wait bool) error
	DeleteByFilter(ctx context.Context, name string, filter *vectorstore.Filter, wait bool) error
	ScrollAll(ctx context.Context, name string, opts vectorstore.ScrollOptions, fn func(*vectorstore.Point) bool) error
}

// Options carries the chunking and embedding knobs for one Indexer.
type Options struct {
	EmbeddingModel       string
	EmbeddingMaxTokens   int
	EmbeddingConcurrency int
	ChunkTargetTokens    int
	ChunkOverlapTokens   int
	MaxFileBytes         int64
	UUIDNamespace        uuid.UUID
	IgnoreFile           string
}

// OptionsFromConfig builds Options from loaded configuration. The namespace
// string is validated at config load, so a parse failure here means the
// config was bypassed.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	ns, err := uuid.Parse(cfg.Indexer.UUIDNamespace)
	if err != nil {
		return Options{}, fmt.Errorf("parsing uuid namespace: %w", err)
	}
	return Options{
		EmbeddingModel:       cfg.Embeddings.Model,
		EmbeddingMaxTokens:   cfg.Embeddings.MaxTokens,
		EmbeddingConcurrency: cfg.Embeddings.Concurrency,
		ChunkTargetTokens:    cfg.Indexer.ChunkTargetTokens,
		ChunkOverlapTokens:   cfg.Indexer.ChunkOverlapTokens,
		MaxFileBytes:         cfg.Indexer.MaxFileBytes,
		UUIDNamespace:        ns,
		IgnoreFile:           cfg.Indexer.IgnoreFile,
	}, nil
}

// ErrInvalidParams indicates a run was requested with incomplete
// parameters.
var ErrInvalidParams = errors.New("invalid run parameters")

// RunParams identifies one indexing run. LastIndexedCommit is only
// consulted by incremental runs; empty means no prior run exists.
type RunParams struct {
	RepoID            string
	RepoRoot          string
	Collection        string
	Commit            string
	LastIndexedCommit string
	VectorSize        int
}

func (p RunParams) Validate() error {
	switch {
	case p.RepoID == "":
		return fmt.Errorf("%w: repo id required", ErrInvalidParams)
	case p.RepoRoot == "":
		return fmt.Errorf("%w: repo root required", ErrInvalidParams)
	case p.Collection == "":
		return fmt.Errorf("%w: collection required", ErrInvalidParams)
	case p.Commit == "":
		return fmt.Errorf("%w: commit required", ErrInvalidParams)
	case p.VectorSize <= 0:
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidParams)
	}
	return nil
}

// ProgressFunc receives token counts as chunks are embedded or reused.
// Implementations translate it into the atomic indexedTokens increment.
type ProgressFunc func(tokens int64)

// KeepaliveFunc marks the run's runtime as still in use.
type KeepaliveFunc func()

// Indexer owns the chunk/embed/upsert pipeline for one embedding model.
type Indexer struct {
	store    VectorStore
	embedder embeddings.Embedder
	codec    tokenizer.Codec
	scrubber secrets.Scrubber
	ignores  *ignore.Cache
	chunker  *chunker
	opts     Options
	logger   *logging.Logger

	sizeGroup singleflight.Group
	sizesMu   sync.Mutex
	sizes     map[string]int
}

// New wires an Indexer. scrubber may be secrets.Noop when scrubbing is off.
func New(store VectorStore, embedder embeddings.Embedder, codec tokenizer.Codec, scrubber secrets.Scrubber, opts Options, logger *logging.Logger) (*Indexer, error) {
	if store == nil || embedder == nil || codec == nil {
		return nil, fmt.Errorf("indexer requires a vector store, embedder, and tokenizer")
	}
	if scrubber == nil {
		scrubber = &secrets.Noop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ignores, err := ignore.NewCache(opts.IgnoreFile)
	if err != nil {
		return nil, fmt.Errorf("building ignore cache: %w", err)
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		codec:    codec,
		scrubber: scrubber,
		ignores:  ignores,
		chunker:  newChunker(codec, opts.ChunkTargetTokens, opts.ChunkOverlapTokens, opts.EmbeddingMaxTokens),
		opts:     opts,
		logger:   logger.Named("indexer"),
		sizes:    make(map[string]int),
	}, nil
}

// Model returns the embedding model this indexer runs against.
func (ix *Indexer) Model() string { return ix.embedder.Model() }

// VectorSizeFor probes the provider with a one-token embed to learn the
// vector dimension for the active model. Results are cached per model and
// concurrent probes are deduplicated; failures are not cached.
func (ix *Indexer) VectorSizeFor(ctx context.Context) (int, error) {
	model := ix.embedder.Model()
	if size, ok := ix.cachedSize(model); ok {
		return size, nil
	}
	v, err, _ := ix.sizeGroup.Do(model, func() (any, error) {
		vectors, err := ix.embedder.EmbedDocuments(ctx, []string{"ping"})
		if err != nil {
			return 0, fmt.Errorf("probing vector size for %s: %w", model, err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return 0, fmt.Errorf("%w: vector size probe for %s", embeddings.ErrEmptyEmbedding, model)
		}
		size := len(vectors[0])
		ix.storeSize(model, size)
		return size, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (ix *Indexer) cachedSize(model string) (int, bool) {
	ix.sizesMu.Lock()
	defer ix.sizesMu.Unlock()
	size, ok := ix.sizes[model]
	return size, ok
}

func (ix *Indexer) storeSize(model string, size int) {
	ix.sizesMu.Lock()
	defer ix.sizesMu.Unlock()
	ix.sizes[model] = size
}

// ChunkingSignatureHash fingerprints every setting that changes chunk
// boundaries or point identity. A signature change invalidates reuse and
// forces a full reindex. Serialization is stable: JSON object keys are
// sorted by encoding/json.
func (ix *Indexer) ChunkingSignatureHash() string {
	signature := map[string]any{
		"breakStrategy":        "token-window",
		"embeddingInputFormat": "raw",
		"embeddingMaxTokens":   ix.opts.EmbeddingMaxTokens,
		"ignoreSource":         ix.opts.IgnoreFile,
		"lineCounting":         "line-start-offsets",
		"maxFileBytes":         ix.opts.MaxFileBytes,
		"overlapTokens":        ix.chunker.overlap,
		"targetTokens":         ix.chunker.target,
		"uuidNamespace":        ix.opts.UUIDNamespace.String(),
	}
	data, err := json.Marshal(signature)
	if err != nil {
		// Marshalling a map of strings and ints cannot fail.
		panic(err)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// PointID derives the deterministic uuidv5 id for one chunk. Identical
// content at an identical path always maps to the same point.
func (ix *Indexer) PointID(repoID, path, chunkHash string) string {
	return uuid.NewSHA1(ix.opts.UUIDNamespace, []byte(repoID+"|"+path+"|"+chunkHash)).String()
}
