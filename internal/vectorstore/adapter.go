package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("codeindexd.vectorstore")

const (
	// upsertBatchSize bounds points per upsert request.
	upsertBatchSize = 500

	// scrollPageSize is the server-side page size for ScrollAll.
	scrollPageSize = 1000

	// deleteBatchSize bounds should-OR conditions per filtered delete.
	deleteBatchSize = 500
)

// Config holds Qdrant connection configuration.
type Config struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334, not the 6333 HTTP port).
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey authenticates against a secured deployment. Empty for local.
	APIKey string

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration

	// MaxRetries bounds transient retries on upsert and delete.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the gRPC message cap in bytes. Large enough for a
	// full upsert batch of code chunks.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// grpcAPI is the slice of the Qdrant client the adapter uses. Narrow so
// tests can substitute a fake.
type grpcAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	ScrollAndOffset(ctx context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
	Close() error
}

// Adapter is a typed, idempotent façade over the Qdrant gRPC client.
// Collection existence and vector sizes are cached; caches are invalidated
// only by DeleteCollection. Safe for concurrent use.
type Adapter struct {
	client grpcAPI
	config Config
	logger *logging.Logger

	// collections caches names known to exist.
	collections sync.Map // string -> struct{}

	// vectorSizes caches the vector size of known collections.
	vectorSizes sync.Map // string -> uint64
}

// New connects to Qdrant and verifies the connection with a health check.
func New(cfg Config, logger *logging.Logger) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	qdrantConfig := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	a := newAdapter(client, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := a.Health(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info(ctx, "qdrant connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	return a, nil
}

func newAdapter(client grpcAPI, cfg Config, logger *logging.Logger) *Adapter {
	return &Adapter{
		client: client,
		config: cfg,
		logger: logger.Named("vectorstore"),
	}
}

// Close closes the underlying gRPC connection.
func (a *Adapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Health checks the Qdrant connection.
func (a *Adapter) Health(ctx context.Context) error {
	if _, err := a.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection when absent. An existing
// collection with a different vector size fails with ErrVectorSizeMismatch;
// recreating is an explicit caller decision.
func (a *Adapter) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	ctx, span := tracer.Start(ctx, "Adapter.EnsureCollection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("vector_size", vectorSize),
	)

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if vectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, vectorSize)
	}

	if size, ok := a.vectorSizes.Load(name); ok {
		if size.(uint64) != uint64(vectorSize) {
			return fmt.Errorf("%w: collection %s has size %d, need %d",
				ErrVectorSizeMismatch, name, size.(uint64), vectorSize)
		}
		return nil
	}

	exists, err := a.client.CollectionExists(ctx, name)
	if err != nil {
		return recordSpanError(span, fmt.Errorf("checking collection %s: %w", name, err))
	}

	if exists {
		size, err := a.collectionVectorSize(ctx, name)
		if err != nil {
			return recordSpanError(span, err)
		}
		if size != uint64(vectorSize) {
			return fmt.Errorf("%w: collection %s has size %d, need %d",
				ErrVectorSizeMismatch, name, size, vectorSize)
		}
		a.rememberCollection(name, size)
		return nil
	}

	err = a.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !isAlreadyExists(err) {
		return recordSpanError(span, fmt.Errorf("creating collection %s: %w", name, err))
	}

	a.rememberCollection(name, uint64(vectorSize))
	a.logger.Info(ctx, "collection created",
		zap.String("collection", name),
		zap.Int("vector_size", vectorSize),
	)
	return nil
}

// collectionVectorSize reads the dense vector size from collection info.
func (a *Adapter) collectionVectorSize(ctx context.Context, name string) (uint64, error) {
	info, err := a.client.GetCollectionInfo(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return 0, fmt.Errorf("collection info %s: %w", name, err)
	}
	return info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(), nil
}

func (a *Adapter) rememberCollection(name string, size uint64) {
	a.collections.Store(name, struct{}{})
	a.vectorSizes.Store(name, size)
}

// exists reports collection existence, consulting the cache first.
func (a *Adapter) exists(ctx context.Context, name string) (bool, error) {
	if _, ok := a.collections.Load(name); ok {
		return true, nil
	}
	exists, err := a.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}
	if exists {
		a.collections.Store(name, struct{}{})
	}
	return exists, nil
}

// Upsert writes points, ensuring the collection first with the size of the
// first point's vector. Points are written in batches; transient failures
// are retried.
func (a *Adapter) Upsert(ctx context.Context, name string, points []*Point, wait bool) error {
	ctx, span := tracer.Start(ctx, "Adapter.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("points", len(points)),
	)
	start := time.Now()
	defer func() { observeOp("upsert", time.Since(start)) }()

	if len(points) == 0 {
		return nil
	}
	if err := a.EnsureCollection(ctx, name, len(points[0].Vector)); err != nil {
		return recordSpanError(span, err)
	}

	for begin := 0; begin < len(points); begin += upsertBatchSize {
		end := begin + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]*qdrant.PointStruct, 0, end-begin)
		for _, p := range points[begin:end] {
			batch = append(batch, toQdrantPoint(p))
		}

		err := a.retryTransient(ctx, "upsert", func() error {
			_, err := a.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: name,
				Points:         batch,
				Wait:           qdrant.PtrOf(wait),
			})
			return err
		})
		if err != nil {
			return recordSpanError(span, fmt.Errorf("upserting %d points into %s: %w", end-begin, name, err))
		}
		pointsUpserted.Add(float64(end - begin))
	}
	return nil
}

// DeleteByFilter removes all points matching the filter. Deleting from an
// absent collection is a no-op.
func (a *Adapter) DeleteByFilter(ctx context.Context, name string, filter *Filter, wait bool) error {
	ctx, span := tracer.Start(ctx, "Adapter.DeleteByFilter")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))
	start := time.Now()
	defer func() { observeOp("delete", time.Since(start)) }()

	exists, err := a.exists(ctx, name)
	if err != nil {
		return recordSpanError(span, err)
	}
	if !exists {
		return nil
	}

	err = a.retryTransient(ctx, "delete", func() error {
		_, err := a.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: toQdrantFilter(filter),
				},
			},
			Wait: qdrant.PtrOf(wait),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return recordSpanError(span, fmt.Errorf("deleting from %s: %w", name, err))
	}
	return nil
}

// SearchOptions modify Search.
type SearchOptions struct {
	Filter      *Filter
	WithPayload bool
}

// Search runs a similarity query and returns scored hits. A missing
// collection surfaces ErrCollectionNotFound so callers can decide whether
// that is fatal.
func (a *Adapter) Search(ctx context.Context, name string, vector []float32, limit uint64, opts SearchOptions) ([]*ScoredPoint, error) {
	ctx, span := tracer.Start(ctx, "Adapter.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int64("limit", int64(limit)),
	)
	start := time.Now()
	defer func() { observeOp("search", time.Since(start)) }()

	results, err := a.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(limit),
		Filter:         toQdrantFilter(opts.Filter),
		WithPayload:    qdrant.NewWithPayload(opts.WithPayload),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return nil, recordSpanError(span, fmt.Errorf("searching %s: %w", name, err))
	}

	hits := make([]*ScoredPoint, 0, len(results))
	for _, r := range results {
		hits = append(hits, fromScoredPoint(r))
	}
	span.SetStatus(otelcodes.Ok, "")
	return hits, nil
}

// ScrollOptions modify ScrollAll.
type ScrollOptions struct {
	Filter *Filter

	// PayloadFields limits returned payload to the named fields. Empty
	// with WithPayload set returns the full payload.
	PayloadFields []string
	WithPayload   bool
	WithVectors   bool

	// PageSize overrides the default server-side page size.
	PageSize int
}

// ScrollAll pages through every point matching the options and feeds each
// to fn. Returning false from fn stops the scroll early. A missing
// collection surfaces ErrCollectionNotFound.
func (a *Adapter) ScrollAll(ctx context.Context, name string, opts ScrollOptions, fn func(*Point) bool) error {
	ctx, span := tracer.Start(ctx, "Adapter.ScrollAll")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))
	start := time.Now()
	defer func() { observeOp("scroll", time.Since(start)) }()

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = scrollPageSize
	}

	var withPayload *qdrant.WithPayloadSelector
	if len(opts.PayloadFields) > 0 {
		withPayload = qdrant.NewWithPayloadInclude(opts.PayloadFields...)
	} else {
		withPayload = qdrant.NewWithPayload(opts.WithPayload)
	}

	var offset *qdrant.PointId
	scanned := 0
	for {
		points, nextOffset, err := a.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Filter:         toQdrantFilter(opts.Filter),
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(pageSize)),
			WithPayload:    withPayload,
			WithVectors:    qdrant.NewWithVectors(opts.WithVectors),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
			}
			return recordSpanError(span, fmt.Errorf("scrolling %s: %w", name, err))
		}
		if len(points) == 0 {
			break
		}

		scanned += len(points)
		for _, p := range points {
			if !fn(fromRetrievedPoint(p)) {
				span.SetAttributes(attribute.Int("points_scanned", scanned))
				return nil
			}
		}

		if nextOffset == nil {
			break
		}
		offset = nextOffset
	}
	span.SetAttributes(attribute.Int("points_scanned", scanned))
	return nil
}

// EnsurePayloadIndex creates a keyword payload index on the field.
// Idempotent; an already-existing index is not an error.
func (a *Adapter) EnsurePayloadIndex(ctx context.Context, name, field string) error {
	ctx, span := tracer.Start(ctx, "Adapter.EnsurePayloadIndex")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.String("field", field),
	)

	_, err := a.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      field,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil && !isAlreadyExists(err) {
		return recordSpanError(span, fmt.Errorf("creating payload index %s.%s: %w", name, field, err))
	}
	return nil
}

// DeleteCollection removes the collection and invalidates the caches.
// Deleting an absent collection is a no-op.
func (a *Adapter) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "Adapter.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	a.collections.Delete(name)
	a.vectorSizes.Delete(name)

	if err := a.client.DeleteCollection(ctx, name); err != nil && !isNotFound(err) {
		return recordSpanError(span, fmt.Errorf("deleting collection %s: %w", name, err))
	}
	a.logger.Info(ctx, "collection deleted", zap.String("collection", name))
	return nil
}

// retryTransient retries fn on transient errors with exponential backoff,
// up to the configured maximum. Non-transient errors propagate immediately.
func (a *Adapter) retryTransient(ctx context.Context, op string, fn func() error) error {
	backoff := a.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt == a.config.MaxRetries {
			break
		}

		a.logger.Debug(ctx, "retrying after transient error",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		retriesTotal.WithLabelValues(op).Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", op, a.config.MaxRetries, lastErr)
}

// recordSpanError records err on the span and returns it unchanged.
func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
