//go:build integration

package integration

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/lifecycle"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/queue"
	"github.com/fyrsmithlabs/codeindexd/internal/runtime"
	"github.com/fyrsmithlabs/codeindexd/internal/search"
	"github.com/fyrsmithlabs/codeindexd/internal/secrets"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// testDatabaseURL returns the Postgres URL integration runs use, skipping
// the test when none is configured.
func testDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CODEINDEXD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CODEINDEXD_TEST_DATABASE_URL not set")
	}
	return url
}

// testQdrantConfig reads Qdrant discovery from the environment, defaulting
// to a local container on the gRPC port.
func testQdrantConfig(t *testing.T) vectorstore.Config {
	t.Helper()
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	portStr := os.Getenv("QDRANT_PORT")
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err, "parsing QDRANT_PORT")
	return vectorstore.Config{Host: host, Port: port}
}

const wordVecDims = 64

// wordVecEmbedder embeds text as a normalized bag-of-words histogram, so a
// document sharing words with a query scores higher than an unrelated one.
// Deterministic and offline, which keeps ranking assertions stable.
type wordVecEmbedder struct {
	mu            sync.Mutex
	documentCalls int
}

func (e *wordVecEmbedder) Model() string { return "test-word-vec" }

func (e *wordVecEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.documentCalls++
	e.mu.Unlock()
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = wordVec(text)
	}
	return vecs, nil
}

func (e *wordVecEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return wordVec(text), nil
}

// documentCallCount reports how many embed batches ran, which is how the
// tests prove a phase reused existing vectors instead of re-embedding.
func (e *wordVecEmbedder) documentCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.documentCalls
}

func wordVec(text string) []float32 {
	vec := make([]float32, wordVecDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, "(){}[]<>.,;:'\"`*&")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%wordVecDims]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		vec[0] = 1
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// runeCodec counts every rune as one token. It keeps integration runs
// offline: the real tokenizer downloads BPE tables on first use.
type runeCodec struct{}

func (runeCodec) Encode(text string) []int {
	runes := []rune(text)
	tokens := make([]int, len(runes))
	for i, r := range runes {
		tokens[i] = int(r)
	}
	return tokens
}

func (runeCodec) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, tok := range tokens {
		runes[i] = rune(tok)
	}
	return string(runes)
}

func (runeCodec) Count(text string) int { return len([]rune(text)) }

// harness wires the production components against the test services. Queue
// workers are never started: the inline threshold is unbounded, so every
// index run executes on the caller's goroutine and assertions see its
// final state.
type harness struct {
	store    *store.Store
	vectors  *vectorstore.Adapter
	embedder *wordVecEmbedder
	manager  *lifecycle.Manager
	search   *search.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNop()

	st, err := store.Open(ctx, store.Config{URL: testDatabaseURL(t)}, logger)
	require.NoError(t, err, "connecting to postgres")
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.MigrateUp(), "applying migrations")

	vs, err := vectorstore.New(testQdrantConfig(t), logger)
	require.NoError(t, err, "connecting to qdrant")
	t.Cleanup(func() { vs.Close() })
	require.NoError(t, vs.Health(ctx), "qdrant not reachable")

	embedder := &wordVecEmbedder{}
	ix, err := indexer.New(vs, embedder, runeCodec{}, &secrets.Noop{}, indexer.Options{
		EmbeddingModel:       embedder.Model(),
		EmbeddingMaxTokens:   8192,
		EmbeddingConcurrency: 2,
		ChunkTargetTokens:    1024,
		ChunkOverlapTokens:   64,
		MaxFileBytes:         1 << 20,
		UUIDNamespace:        uuid.NameSpaceURL,
		IgnoreFile:           ".codebaseindexignore",
	}, logger)
	require.NoError(t, err)

	jobs := queue.New(st.DB(), queue.Config{}, logger)

	mgr, err := lifecycle.New(lifecycle.Deps{
		Store:    st,
		Queue:    jobs,
		Indexer:  ix,
		Runtimes: runtime.NewManager(runtime.Config{}, logger),
		Vectors:  vs,
	}, lifecycle.Options{InlineThreshold: math.MaxInt64}, logger)
	require.NoError(t, err)

	return &harness{
		store:    st,
		vectors:  vs,
		embedder: embedder,
		manager:  mgr,
		search:   search.New(vs, embedder, logger),
	}
}

// searchTop runs one query against a collection and returns the ranked hits.
func (h *harness) searchTop(t *testing.T, collection, repoID, query string) []search.Result {
	t.Helper()
	hits, err := h.search.Search(context.Background(), search.Params{
		Collection: collection,
		Query:      query,
		RepoID:     repoID,
		TopK:       5,
	})
	require.NoError(t, err, "searching %q", query)
	return hits
}

// initGitRepo creates a committed repository under a temp dir and returns
// its root plus a local executor bound to it. symbolic-ref pins the initial
// branch name regardless of the host's init.defaultBranch.
func initGitRepo(t *testing.T, files map[string]string) (string, *shellexec.Local) {
	t.Helper()
	root := t.TempDir()
	exec := shellexec.NewLocal(root)
	gitRun(t, exec, "git init -q")
	gitRun(t, exec, "git symbolic-ref HEAD refs/heads/main")
	gitRun(t, exec, "git config user.email dev@example.com")
	gitRun(t, exec, "git config user.name dev")
	gitRun(t, exec, "git config commit.gpgsign false")
	for path, content := range files {
		writeRepoFile(t, root, path, content)
	}
	commitAll(t, exec, "initial import")
	return root, exec
}

func gitRun(t *testing.T, exec shellexec.Executor, cmd string) {
	t.Helper()
	res, err := exec.Exec(context.Background(), cmd)
	require.NoError(t, err, "running %s", cmd)
	require.Zero(t, res.ExitCode, "%s: %s", cmd, res.Stderr)
}

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func commitAll(t *testing.T, exec shellexec.Executor, message string) {
	t.Helper()
	gitRun(t, exec, "git add -A")
	gitRun(t, exec, "git commit -q -m "+shellexec.ShQuote(message))
}
