package indexer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// fakeExec matches commands by substring, first rule wins.
type fakeExec struct {
	mu    sync.Mutex
	rules []execRule
	calls []string
}

type execRule struct {
	contains string
	result   shellexec.Result
	err      error
}

func newFakeExec() *fakeExec { return &fakeExec{} }

func (f *fakeExec) stub(contains, stdout string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, execRule{contains: contains, result: shellexec.Result{Stdout: stdout}})
}

func (f *fakeExec) stubExit(contains string, code int, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, execRule{contains: contains, result: shellexec.Result{ExitCode: code, Stderr: stderr}})
}

// restub replaces the first rule matching contains, so tests can change a
// file between runs.
func (f *fakeExec) restub(contains, stdout string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.contains == contains {
			f.rules[i].result = shellexec.Result{Stdout: stdout}
			return
		}
	}
	f.rules = append(f.rules, execRule{contains: contains, result: shellexec.Result{Stdout: stdout}})
}

func (f *fakeExec) Exec(_ context.Context, cmd string) (shellexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	rules := make([]execRule, len(f.rules))
	copy(rules, f.rules)
	f.mu.Unlock()

	for _, r := range rules {
		if strings.Contains(cmd, r.contains) {
			return r.result, r.err
		}
	}
	return shellexec.Result{ExitCode: 1, Stderr: "no stub for: " + cmd}, nil
}

func (f *fakeExec) callsContaining(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// fakeVectorStore is an in-memory VectorStore mirroring the adapter's
// behavior: Upsert creates the collection from the vector length, deletes
// against a missing collection are no-ops, scrolls against one fail.
type fakeVectorStore struct {
	mu          sync.Mutex
	collections map[string]int
	points      map[string]map[string]*vectorstore.Point
	indexes     map[string][]string
	upsertErr   error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		collections: make(map[string]int),
		points:      make(map[string]map[string]*vectorstore.Point),
		indexes:     make(map[string][]string),
	}
}

func (f *fakeVectorStore) EnsureCollection(_ context.Context, name string, vectorSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size, ok := f.collections[name]; ok {
		if size != vectorSize {
			return vectorstore.ErrVectorSizeMismatch
		}
		return nil
	}
	f.collections[name] = vectorSize
	f.points[name] = make(map[string]*vectorstore.Point)
	return nil
}

func (f *fakeVectorStore) EnsurePayloadIndex(_ context.Context, name, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexes[name] = append(f.indexes[name], field)
	return nil
}

func (f *fakeVectorStore) Upsert(ctx context.Context, name string, pts []*vectorstore.Point, _ bool) error {
	if len(pts) == 0 {
		return nil
	}
	f.mu.Lock()
	if f.upsertErr != nil {
		err := f.upsertErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	if err := f.EnsureCollection(ctx, name, len(pts[0].Vector)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pts {
		cp := *p
		cp.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			cp.Payload[k] = v
		}
		f.points[name][p.ID] = &cp
	}
	return nil
}

func (f *fakeVectorStore) DeleteByFilter(_ context.Context, name string, filter *vectorstore.Filter, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.points[name]
	if !ok {
		return nil
	}
	for id, p := range coll {
		if matchFilter(p, filter) {
			delete(coll, id)
		}
	}
	return nil
}

func (f *fakeVectorStore) ScrollAll(_ context.Context, name string, opts vectorstore.ScrollOptions, fn func(*vectorstore.Point) bool) error {
	f.mu.Lock()
	coll, ok := f.points[name]
	if !ok {
		f.mu.Unlock()
		return vectorstore.ErrCollectionNotFound
	}
	snapshot := make([]*vectorstore.Point, 0, len(coll))
	for _, p := range coll {
		cp := *p
		cp.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			cp.Payload[k] = v
		}
		snapshot = append(snapshot, &cp)
	}
	f.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	for _, p := range snapshot {
		if !matchFilter(p, opts.Filter) {
			continue
		}
		if !fn(p) {
			return nil
		}
	}
	return nil
}

func matchFilter(p *vectorstore.Point, f *vectorstore.Filter) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if s, _ := p.Payload[c.Field].(string); s != c.Match {
			return false
		}
	}
	if len(f.Should) > 0 {
		hit := false
		for _, c := range f.Should {
			if s, _ := p.Payload[c.Field].(string); s == c.Match {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (f *fakeVectorStore) pointsIn(name string) []*vectorstore.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll := f.points[name]
	out := make([]*vectorstore.Point, 0, len(coll))
	for _, p := range coll {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeVectorStore) pathsIn(name string) []string {
	set := make(map[string]struct{})
	for _, p := range f.pointsIn(name) {
		if path, ok := p.Payload[FieldPath].(string); ok {
			set[path] = struct{}{}
		}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// fakeEmbedder returns deterministic vectors of a fixed dimension.
type fakeEmbedder struct {
	mu       sync.Mutex
	model    string
	dim      int
	wrongDim bool
	err      error
	calls    int
	texts    []string
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{model: "fake-embedding-model", dim: dim}
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, texts...)
	if f.err != nil {
		return nil, f.err
	}
	dim := f.dim
	if f.wrongDim {
		dim++
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		vec[0] = float32(len(text))
		vecs[i] = vec
	}
	return vecs, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) Model() string { return f.model }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEmbedder) embeddedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func (f *fakeEmbedder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var errBoom = errors.New("boom")

func newTestIndexer(t *testing.T, store *fakeVectorStore, emb *fakeEmbedder) *Indexer {
	t.Helper()
	opts := Options{
		EmbeddingModel:       emb.model,
		EmbeddingMaxTokens:   64,
		EmbeddingConcurrency: 2,
		ChunkTargetTokens:    16,
		ChunkOverlapTokens:   4,
		MaxFileBytes:         1 << 20,
		UUIDNamespace:        uuid.NameSpaceURL,
		IgnoreFile:           ".codebaseindexignore",
	}
	ix, err := New(store, emb, byteCodec{}, nil, opts, logging.NewNop())
	require.NoError(t, err)
	return ix
}
