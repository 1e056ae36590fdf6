package vectorstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// fakeQdrant is an in-memory grpcAPI double recording calls.
type fakeQdrant struct {
	mu sync.Mutex

	collections map[string]uint64

	createCalls    int
	upsertRequests []*qdrant.UpsertPoints
	deleteRequests []*qdrant.DeletePoints
	indexedFields  []string

	upsertFailures int
	indexErr       error
	queryErr       error
	queryResults   []*qdrant.ScoredPoint

	scrollPages [][]*qdrant.RetrievedPoint
	scrollCalls int
	scrollErr   error
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: make(map[string]uint64)}
}

func (f *fakeQdrant) HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, nil
}

func (f *fakeQdrant) CollectionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeQdrant) CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.collections[req.GetCollectionName()] = req.GetVectorsConfig().GetParams().GetSize()
	return nil
}

func (f *fakeQdrant) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeQdrant) GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.collections[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "Collection `"+name+"` doesn't exist!")
	}
	return &qdrant.CollectionInfo{
		Config: &qdrant.CollectionConfig{
			Params: &qdrant.CollectionParams{
				VectorsConfig: &qdrant.VectorsConfig{
					Config: &qdrant.VectorsConfig_Params{
						Params: &qdrant.VectorParams{Size: size, Distance: qdrant.Distance_Cosine},
					},
				},
			},
		},
	}, nil
}

func (f *fakeQdrant) CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	f.indexedFields = append(f.indexedFields, req.GetFieldName())
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertFailures > 0 {
		f.upsertFailures--
		return nil, status.Error(codes.Unavailable, "connection reset by peer")
	}
	f.upsertRequests = append(f.upsertRequests, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteRequests = append(f.deleteRequests, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResults, nil
}

func (f *fakeQdrant) ScrollAndOffset(ctx context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scrollErr != nil {
		return nil, nil, f.scrollErr
	}
	if f.scrollCalls >= len(f.scrollPages) {
		f.scrollCalls++
		return nil, nil, nil
	}
	page := f.scrollPages[f.scrollCalls]
	f.scrollCalls++
	var next *qdrant.PointId
	if f.scrollCalls < len(f.scrollPages) {
		next = qdrant.NewIDNum(uint64(f.scrollCalls))
	}
	return page, next, nil
}

func (f *fakeQdrant) Close() error { return nil }

func newTestAdapter(t *testing.T, fake *fakeQdrant) *Adapter {
	t.Helper()
	cfg := Config{MaxRetries: 2, RetryBackoff: time.Millisecond}
	cfg.ApplyDefaults()
	return newAdapter(fake, cfg, logging.NewNop())
}

func TestEnsureCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("creates absent collection once", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.EnsureCollection(ctx, "codebase_repo_1536", 1536))
		require.NoError(t, a.EnsureCollection(ctx, "codebase_repo_1536", 1536))

		assert.Equal(t, 1, fake.createCalls)
		assert.Equal(t, uint64(1536), fake.collections["codebase_repo_1536"])
	})

	t.Run("accepts existing collection with matching size", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.collections["codebase_repo_768"] = 768
		a := newTestAdapter(t, fake)

		require.NoError(t, a.EnsureCollection(ctx, "codebase_repo_768", 768))
		assert.Zero(t, fake.createCalls)
	})

	t.Run("rejects vector size mismatch", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.collections["codebase_repo_768"] = 768
		a := newTestAdapter(t, fake)

		err := a.EnsureCollection(ctx, "codebase_repo_768", 1536)
		require.ErrorIs(t, err, ErrVectorSizeMismatch)
	})

	t.Run("rejects mismatch against cached size", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.EnsureCollection(ctx, "codebase_repo_1536", 1536))
		err := a.EnsureCollection(ctx, "codebase_repo_1536", 768)
		require.ErrorIs(t, err, ErrVectorSizeMismatch)
	})

	t.Run("rejects invalid collection name", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		err := a.EnsureCollection(ctx, "Bad-Name", 768)
		require.Error(t, err)
	})
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()

	makePoints := func(n int) []*Point {
		points := make([]*Point, n)
		for i := range points {
			points[i] = &Point{
				ID:      "00000000-0000-0000-0000-000000000000",
				Vector:  []float32{0.1, 0.2, 0.3},
				Payload: map[string]any{"path": "main.go"},
			}
		}
		return points
	}

	t.Run("splits large writes into batches", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.Upsert(ctx, "codebase_repo_3", makePoints(1001), true))

		require.Len(t, fake.upsertRequests, 3)
		assert.Len(t, fake.upsertRequests[0].GetPoints(), 500)
		assert.Len(t, fake.upsertRequests[1].GetPoints(), 500)
		assert.Len(t, fake.upsertRequests[2].GetPoints(), 1)
		assert.True(t, fake.upsertRequests[0].GetWait())
	})

	t.Run("ensures collection from first vector", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.Upsert(ctx, "codebase_repo_3", makePoints(1), false))
		assert.Equal(t, uint64(3), fake.collections["codebase_repo_3"])
	})

	t.Run("retries transient failures", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.upsertFailures = 2
		a := newTestAdapter(t, fake)

		require.NoError(t, a.Upsert(ctx, "codebase_repo_3", makePoints(1), true))
		require.Len(t, fake.upsertRequests, 1)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.upsertFailures = 3
		a := newTestAdapter(t, fake)

		err := a.Upsert(ctx, "codebase_repo_3", makePoints(1), true)
		require.Error(t, err)
		assert.Empty(t, fake.upsertRequests)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.Upsert(ctx, "codebase_repo_3", nil, true))
		assert.Empty(t, fake.upsertRequests)
		assert.Zero(t, fake.createCalls)
	})
}

func TestDeleteByFilter(t *testing.T) {
	ctx := context.Background()

	t.Run("absent collection is a no-op", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.DeleteByFilter(ctx, "codebase_repo_3", MustMatch("path", "gone.go"), true))
		assert.Empty(t, fake.deleteRequests)
	})

	t.Run("issues filtered delete", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.collections["codebase_repo_3"] = 3
		a := newTestAdapter(t, fake)

		require.NoError(t, a.DeleteByFilter(ctx, "codebase_repo_3", MustMatch("path", "gone.go"), true))

		require.Len(t, fake.deleteRequests, 1)
		sel := fake.deleteRequests[0].GetPoints().GetFilter()
		require.NotNil(t, sel)
		require.Len(t, sel.GetMust(), 1)
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("missing collection maps to ErrCollectionNotFound", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.queryErr = status.Error(codes.NotFound, "Collection `nope` doesn't exist!")
		a := newTestAdapter(t, fake)

		_, err := a.Search(ctx, "nope", []float32{0.1}, 10, SearchOptions{})
		require.ErrorIs(t, err, ErrCollectionNotFound)
	})

	t.Run("converts scored points", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.queryResults = []*qdrant.ScoredPoint{
			{
				Id:      qdrant.NewIDNum(7),
				Score:   0.93,
				Payload: qdrant.NewValueMap(map[string]any{"path": "a.go", "start_line": int64(3)}),
			},
		}
		a := newTestAdapter(t, fake)

		hits, err := a.Search(ctx, "codebase_repo_3", []float32{0.1, 0.2}, 5, SearchOptions{WithPayload: true})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.InDelta(t, 0.93, hits[0].Score, 1e-6)
		assert.Equal(t, "a.go", hits[0].Payload["path"])
	})
}

func TestScrollAll(t *testing.T) {
	ctx := context.Background()

	page := func(paths ...string) []*qdrant.RetrievedPoint {
		points := make([]*qdrant.RetrievedPoint, 0, len(paths))
		for i, p := range paths {
			points = append(points, &qdrant.RetrievedPoint{
				Id:      qdrant.NewIDNum(uint64(i)),
				Payload: qdrant.NewValueMap(map[string]any{"path": p}),
			})
		}
		return points
	}

	t.Run("visits every page", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.scrollPages = [][]*qdrant.RetrievedPoint{
			page("a.go", "b.go"),
			page("c.go"),
		}
		a := newTestAdapter(t, fake)

		var seen []string
		err := a.ScrollAll(ctx, "codebase_repo_3", ScrollOptions{WithPayload: true}, func(p *Point) bool {
			seen = append(seen, p.Payload["path"].(string))
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.go", "b.go", "c.go"}, seen)
	})

	t.Run("callback can stop early", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.scrollPages = [][]*qdrant.RetrievedPoint{
			page("a.go", "b.go"),
			page("c.go"),
		}
		a := newTestAdapter(t, fake)

		var seen int
		err := a.ScrollAll(ctx, "codebase_repo_3", ScrollOptions{WithPayload: true}, func(p *Point) bool {
			seen++
			return false
		})
		require.NoError(t, err)
		assert.Equal(t, 1, seen)
		assert.Equal(t, 1, fake.scrollCalls)
	})

	t.Run("missing collection maps to ErrCollectionNotFound", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.scrollErr = status.Error(codes.NotFound, "Collection `gone` doesn't exist!")
		a := newTestAdapter(t, fake)

		err := a.ScrollAll(ctx, "gone", ScrollOptions{}, func(p *Point) bool { return true })
		require.ErrorIs(t, err, ErrCollectionNotFound)
	})
}

func TestEnsurePayloadIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("creates keyword index", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.EnsurePayloadIndex(ctx, "codebase_repo_3", "repo_id"))
		assert.Equal(t, []string{"repo_id"}, fake.indexedFields)
	})

	t.Run("already existing index is not an error", func(t *testing.T) {
		fake := newFakeQdrant()
		fake.indexErr = status.Error(codes.AlreadyExists, "index already exists")
		a := newTestAdapter(t, fake)

		require.NoError(t, a.EnsurePayloadIndex(ctx, "codebase_repo_3", "repo_id"))
	})
}

func TestDeleteCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("invalidates caches", func(t *testing.T) {
		fake := newFakeQdrant()
		a := newTestAdapter(t, fake)

		require.NoError(t, a.EnsureCollection(ctx, "codebase_repo_768", 768))
		require.NoError(t, a.DeleteCollection(ctx, "codebase_repo_768"))
		require.NoError(t, a.EnsureCollection(ctx, "codebase_repo_768", 768))

		assert.Equal(t, 2, fake.createCalls)
	})
}

func TestRetryTransientBubblesNonTransient(t *testing.T) {
	fake := newFakeQdrant()
	a := newTestAdapter(t, fake)

	calls := 0
	err := a.retryTransient(context.Background(), "upsert", func() error {
		calls++
		return errors.New("payload schema rejected")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
