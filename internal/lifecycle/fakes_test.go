package lifecycle

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/queue"
	"github.com/fyrsmithlabs/codeindexd/internal/runtime"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
)

var errBoom = errors.New("boom")

// fakeStore is an in-memory IndexStore. WithIndexLock serializes callers
// per (repository, branch) key the way the advisory lock does.
type fakeStore struct {
	mu      sync.Mutex
	repos   map[string]*store.Repository
	indexes map[string]*store.RepoIndex
	locks   map[string]*sync.Mutex

	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:   make(map[string]*store.Repository),
		indexes: make(map[string]*store.RepoIndex),
		locks:   make(map[string]*sync.Mutex),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneIndex(idx *store.RepoIndex) *store.RepoIndex {
	cp := *idx
	cp.LastIndexedCommit = clonePtr(idx.LastIndexedCommit)
	cp.EmbeddingModel = clonePtr(idx.EmbeddingModel)
	cp.VectorSize = clonePtr(idx.VectorSize)
	cp.ChunkingSignatureHash = clonePtr(idx.ChunkingSignatureHash)
	cp.ErrorMessage = clonePtr(idx.ErrorMessage)
	return &cp
}

// putIndex seeds a row directly, filling in id and timestamps like the real
// insert does.
func (f *fakeStore) putIndex(idx *store.RepoIndex) *store.RepoIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx.ID == "" {
		idx.ID = uuid.NewString()
	}
	if idx.Status == "" {
		idx.Status = store.StatusPending
	}
	if idx.CreatedAt.IsZero() {
		idx.CreatedAt = time.Now().UTC()
	}
	if idx.UpdatedAt.IsZero() {
		idx.UpdatedAt = idx.CreatedAt
	}
	f.indexes[idx.ID] = cloneIndex(idx)
	return idx
}

func (f *fakeStore) putRepository(r *store.Repository) *store.Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cp := *r
	cp.EncryptedToken = clonePtr(r.EncryptedToken)
	f.repos[r.ID] = &cp
	return r
}

// index fetches a row for assertions, failing the test when absent.
func (f *fakeStore) index(t *testing.T, id string) *store.RepoIndex {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	require.True(t, ok, "repo index %s not in store", id)
	return cloneIndex(idx)
}

func (f *fakeStore) indexCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexes)
}

func (f *fakeStore) GetRepoIndex(_ context.Context, repositoryID, branch string) (*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, idx := range f.indexes {
		if idx.RepositoryID == repositoryID && idx.Branch == branch {
			return cloneIndex(idx), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetRepoIndexByID(_ context.Context, id string) (*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneIndex(idx), nil
}

func (f *fakeStore) ListRepoIndexesByRepository(_ context.Context, repositoryID string) ([]*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.RepoIndex
	for _, idx := range f.indexes {
		if idx.RepositoryID == repositoryID {
			out = append(out, cloneIndex(idx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) ListRepoIndexesByStatus(_ context.Context, statuses ...store.IndexStatus) ([]*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.RepoIndex
	for _, idx := range f.indexes {
		for _, st := range statuses {
			if idx.Status == st {
				out = append(out, cloneIndex(idx))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) CreateRepoIndex(_ context.Context, idx *store.RepoIndex) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx.ID == "" {
		idx.ID = uuid.NewString()
	}
	if idx.Status == "" {
		idx.Status = store.StatusPending
	}
	now := time.Now().UTC()
	idx.CreatedAt = now
	idx.UpdatedAt = now
	f.indexes[idx.ID] = cloneIndex(idx)
	return nil
}

func (f *fakeStore) UpdateRepoIndex(_ context.Context, id string, patch store.RepoIndexPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	idx, ok := f.indexes[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Status != nil {
		idx.Status = *patch.Status
	}
	if patch.Collection != nil {
		idx.Collection = *patch.Collection
	}
	if patch.LastIndexedCommit != nil {
		idx.LastIndexedCommit = clonePtr(patch.LastIndexedCommit)
	}
	if patch.EmbeddingModel != nil {
		idx.EmbeddingModel = clonePtr(patch.EmbeddingModel)
	}
	if patch.VectorSize != nil {
		idx.VectorSize = clonePtr(patch.VectorSize)
	}
	if patch.ChunkingSignatureHash != nil {
		idx.ChunkingSignatureHash = clonePtr(patch.ChunkingSignatureHash)
	}
	if patch.EstimatedTokens != nil {
		idx.EstimatedTokens = *patch.EstimatedTokens
	}
	if patch.IndexedTokens != nil {
		idx.IndexedTokens = *patch.IndexedTokens
	}
	if patch.ErrorMessage != nil {
		if *patch.ErrorMessage == "" {
			idx.ErrorMessage = nil
		} else {
			idx.ErrorMessage = clonePtr(patch.ErrorMessage)
		}
	}
	idx.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) IncrementIndexedTokens(_ context.Context, id string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return store.ErrNotFound
	}
	idx.IndexedTokens += delta
	idx.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) DeleteRepoIndex(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexes, id)
	return nil
}

func (f *fakeStore) GetRepository(_ context.Context, id string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.EncryptedToken = clonePtr(r.EncryptedToken)
	return &cp, nil
}

func (f *fakeStore) FindRepository(_ context.Context, provider, owner, repo, createdBy string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.Provider == provider && r.Owner == owner && r.Repo == repo && r.CreatedBy == createdBy {
			cp := *r
			cp.EncryptedToken = clonePtr(r.EncryptedToken)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeleteRepository(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, id)
	return nil
}

func (f *fakeStore) WithIndexLock(ctx context.Context, repositoryID, branch string, fn func(context.Context) error) error {
	key := repositoryID + "|" + branch
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// fakeQueue records enqueued and removed jobs.
type fakeQueue struct {
	mu        sync.Mutex
	added     []queue.JobData
	removed   []string
	addErr    error
	removeErr error
}

func (q *fakeQueue) AddJob(_ context.Context, data queue.JobData) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addErr != nil {
		return q.addErr
	}
	q.added = append(q.added, data)
	return nil
}

func (q *fakeQueue) RemoveJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, jobID)
	if q.removeErr != nil {
		return q.removeErr
	}
	return nil
}

func (q *fakeQueue) addedJobs() []queue.JobData {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.JobData, len(q.added))
	copy(out, q.added)
	return out
}

func (q *fakeQueue) removedJobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.removed))
	copy(out, q.removed)
	return out
}

// fakeIndexer records run parameters and reports a fixed token count
// through onProgress. started/release let tests hold a run mid-flight.
type fakeIndexer struct {
	mu        sync.Mutex
	model     string
	size      int
	sizeErr   error
	signature string

	fullRuns  []indexer.RunParams
	incrRuns  []indexer.RunParams
	runErr    error
	runTokens int64

	copyCalls [][2]string
	copyCount int
	copyErr   error

	started chan struct{}
	release chan struct{}
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		model:     "test-embedding-model",
		size:      3,
		signature: "sig-v1",
	}
}

func (f *fakeIndexer) Model() string { return f.model }

func (f *fakeIndexer) VectorSizeFor(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	return f.size, nil
}

func (f *fakeIndexer) ChunkingSignatureHash() string { return f.signature }

func (f *fakeIndexer) RunFullIndex(_ context.Context, _ shellexec.Executor, params indexer.RunParams, keepalive indexer.KeepaliveFunc, onProgress indexer.ProgressFunc) error {
	f.mu.Lock()
	f.fullRuns = append(f.fullRuns, params)
	f.mu.Unlock()
	return f.finishRun(keepalive, onProgress)
}

func (f *fakeIndexer) RunIncrementalIndex(_ context.Context, _ shellexec.Executor, params indexer.RunParams, keepalive indexer.KeepaliveFunc, onProgress indexer.ProgressFunc) error {
	f.mu.Lock()
	f.incrRuns = append(f.incrRuns, params)
	f.mu.Unlock()
	return f.finishRun(keepalive, onProgress)
}

func (f *fakeIndexer) finishRun(keepalive indexer.KeepaliveFunc, onProgress indexer.ProgressFunc) error {
	f.mu.Lock()
	started, release := f.started, f.release
	tokens, err := f.runTokens, f.runErr
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	if keepalive != nil {
		keepalive()
	}
	if err != nil {
		return err
	}
	if onProgress != nil && tokens > 0 {
		onProgress(tokens)
	}
	return nil
}

func (f *fakeIndexer) CopyCollectionPoints(_ context.Context, source, target string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyCalls = append(f.copyCalls, [2]string{source, target})
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	return f.copyCount, nil
}

func (f *fakeIndexer) fullRunParams() []indexer.RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]indexer.RunParams, len(f.fullRuns))
	copy(out, f.fullRuns)
	return out
}

func (f *fakeIndexer) incrRunParams() []indexer.RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]indexer.RunParams, len(f.incrRuns))
	copy(out, f.incrRuns)
	return out
}

func (f *fakeIndexer) copied() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.copyCalls))
	copy(out, f.copyCalls)
	return out
}

// fakeRuntime is a workspace backed by a fakeExec.
type fakeRuntime struct {
	exec *fakeExec
	id   string
	dir  string

	touches    atomic.Int32
	destroys   atomic.Int32
	destroyErr error
}

func (r *fakeRuntime) Exec(ctx context.Context, cmd string) (shellexec.Result, error) {
	return r.exec.Exec(ctx, cmd)
}

func (r *fakeRuntime) ID() string  { return r.id }
func (r *fakeRuntime) Dir() string { return r.dir }
func (r *fakeRuntime) Touch()      { r.touches.Add(1) }

func (r *fakeRuntime) Destroy(context.Context) error {
	r.destroys.Add(1)
	return r.destroyErr
}

var _ runtime.Runtime = (*fakeRuntime)(nil)

// fakeRuntimes provisions fakeRuntime instances over one shared fakeExec.
type fakeRuntimes struct {
	mu           sync.Mutex
	exec         *fakeExec
	provisioned  []*fakeRuntime
	provisionErr error
}

func newFakeRuntimes(exec *fakeExec) *fakeRuntimes {
	return &fakeRuntimes{exec: exec}
}

func (f *fakeRuntimes) Provision(_ context.Context, label string) (runtime.Runtime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	rt := &fakeRuntime{
		exec: f.exec,
		id:   "rt-" + label,
		dir:  "/work/" + label,
	}
	f.provisioned = append(f.provisioned, rt)
	return rt, nil
}

func (f *fakeRuntimes) last(t *testing.T) *fakeRuntime {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.provisioned, "no runtime was provisioned")
	return f.provisioned[len(f.provisioned)-1]
}

func (f *fakeRuntimes) provisionedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.provisioned)
}

// fakeCollections records vector collection deletions.
type fakeCollections struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeCollections) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeCollections) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

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
