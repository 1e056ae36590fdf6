// Package search answers natural-language queries against an indexed
// repository: it embeds the query, over-fetches from the vector store, and
// post-filters by directory and language before trimming to the requested
// size.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/embeddings"
	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

var tracer = otel.Tracer("codeindexd.search")

// ErrInvalidQuery indicates missing or malformed search parameters.
var ErrInvalidQuery = errors.New("invalid search query")

const (
	// overfetchFactor widens the vector search so post-filtering by
	// directory and language can still fill topK results.
	overfetchFactor = 4

	defaultTopK = 10
)

// VectorSearcher is the slice of the vector store the search path needs.
// *vectorstore.Adapter satisfies it.
type VectorSearcher interface {
	Search(ctx context.Context, name string, vector []float32, limit uint64, opts vectorstore.SearchOptions) ([]*vectorstore.ScoredPoint, error)
}

// Params describes one search request. TopK defaults to 10 when zero.
type Params struct {
	Collection      string
	Query           string
	RepoID          string
	TopK            int
	DirectoryFilter string
	LanguageFilter  string
}

func (p Params) validate() error {
	switch {
	case p.Collection == "":
		return fmt.Errorf("%w: collection required", ErrInvalidQuery)
	case strings.TrimSpace(p.Query) == "":
		return fmt.Errorf("%w: query required", ErrInvalidQuery)
	case p.RepoID == "":
		return fmt.Errorf("%w: repo id required", ErrInvalidQuery)
	}
	return nil
}

// Result is one matched chunk.
type Result struct {
	Path      string  `json:"path"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// Service runs semantic searches against indexed collections.
type Service struct {
	store    VectorSearcher
	embedder embeddings.Embedder
	logger   *logging.Logger
}

func New(store VectorSearcher, embedder embeddings.Embedder, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{store: store, embedder: embedder, logger: logger.Named("search")}
}

// Search embeds the query and returns up to TopK scored chunks. A missing
// collection yields an empty result set, so searching a repository that was
// never indexed is not an error.
func (s *Service) Search(ctx context.Context, p Params) ([]Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	topK := p.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	ctx, span := tracer.Start(ctx, "search.query", trace.WithAttributes(
		attribute.String("collection", p.Collection),
		attribute.Int("top_k", topK),
	))
	defer span.End()
	started := time.Now()

	vector, err := s.embedder.EmbedQuery(ctx, p.Query)
	if err != nil {
		searchesTotal.WithLabelValues("error").Inc()
		return nil, recordSpanError(span, fmt.Errorf("embedding query: %w", err))
	}
	if len(vector) == 0 {
		searchesTotal.WithLabelValues("error").Inc()
		return nil, recordSpanError(span, fmt.Errorf("%w: query produced no vector", embeddings.ErrEmptyEmbedding))
	}

	hits, err := s.store.Search(ctx, p.Collection, vector, uint64(topK*overfetchFactor), vectorstore.SearchOptions{
		Filter:      vectorstore.MustMatch(indexer.FieldRepoID, p.RepoID),
		WithPayload: true,
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		s.logger.Debug(ctx, "collection not found, returning no results",
			zap.String("collection", p.Collection))
		searchesTotal.WithLabelValues("empty").Inc()
		return []Result{}, nil
	}
	if err != nil {
		searchesTotal.WithLabelValues("error").Inc()
		return nil, recordSpanError(span, err)
	}

	dir := normalizeDirectory(p.DirectoryFilter)
	lang := strings.ToLower(strings.TrimSpace(p.LanguageFilter))

	results := make([]Result, 0, topK)
	for _, hit := range hits {
		res, ok := parseHit(hit)
		if !ok {
			continue
		}
		if !matchesDirectory(res.Path, dir) {
			continue
		}
		if !matchesLanguage(res.Path, lang) {
			continue
		}
		results = append(results, res)
		if len(results) == topK {
			break
		}
	}

	searchesTotal.WithLabelValues("ok").Inc()
	searchDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("hits", len(hits)), attribute.Int("results", len(results)))
	return results, nil
}

// parseHit converts one scored point, dropping entries without a usable
// path or text and defaulting malformed line numbers.
func parseHit(hit *vectorstore.ScoredPoint) (Result, bool) {
	path, _ := hit.Payload[indexer.FieldPath].(string)
	text, _ := hit.Payload[indexer.FieldText].(string)
	if path == "" || text == "" {
		return Result{}, false
	}
	start := payloadLine(hit.Payload[indexer.FieldStartLine], 1)
	end := payloadLine(hit.Payload[indexer.FieldEndLine], start)
	if end < start {
		end = start
	}
	return Result{Path: path, StartLine: start, EndLine: end, Text: text, Score: hit.Score}, true
}

func payloadLine(v any, fallback int) int {
	switch n := v.(type) {
	case int64:
		if n > 0 {
			return int(n)
		}
	case int:
		if n > 0 {
			return n
		}
	case float64:
		if !math.IsNaN(n) && !math.IsInf(n, 0) && n > 0 {
			return int(n)
		}
	}
	return fallback
}

func normalizeDirectory(dir string) string {
	dir = strings.TrimSpace(dir)
	dir = strings.ReplaceAll(dir, "\\", "/")
	return strings.Trim(dir, "/")
}

// matchesDirectory treats the filter as a prefix on /-separated segments,
// so "a/b" matches "a/b/c.ts" but not "a/bc.ts".
func matchesDirectory(path, dir string) bool {
	if dir == "" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}

// languageExtensions maps language names to file extensions. Misses drop
// the result; a filter that is itself an extension matches directly.
var languageExtensions = map[string][]string{
	"typescript": {"ts", "tsx"},
	"javascript": {"js", "jsx", "mjs", "cjs"},
	"python":     {"py", "pyw"},
	"go":         {"go"},
	"golang":     {"go"},
	"rust":       {"rs"},
	"java":       {"java"},
	"kotlin":     {"kt", "kts"},
	"c":          {"c", "h"},
	"cpp":        {"cc", "cpp", "cxx", "hpp", "hh"},
	"c++":        {"cc", "cpp", "cxx", "hpp", "hh"},
	"csharp":     {"cs"},
	"ruby":       {"rb"},
	"php":        {"php"},
	"swift":      {"swift"},
	"scala":      {"scala"},
	"shell":      {"sh", "bash"},
	"bash":       {"sh", "bash"},
	"html":       {"html", "htm"},
	"css":        {"css", "scss", "sass", "less"},
	"markdown":   {"md", "markdown"},
	"yaml":       {"yml", "yaml"},
	"json":       {"json"},
	"terraform":  {"tf", "tfvars"},
	"sql":        {"sql"},
}

func matchesLanguage(path, lang string) bool {
	if lang == "" {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return false
	}
	if ext == lang {
		return true
	}
	for _, e := range languageExtensions[lang] {
		if ext == e {
			return true
		}
	}
	return false
}
