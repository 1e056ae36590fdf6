// Package embeddings generates vectors through an OpenAI-compatible
// embeddings endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/codeindexd/internal/config"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrAuth indicates the provider rejected the credentials.
	ErrAuth = errors.New("embedding provider rejected credentials")

	// ErrEmptyEmbedding indicates the provider returned zero vectors when
	// one was expected.
	ErrEmptyEmbedding = errors.New("provider returned empty embedding")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// authPattern classifies provider error bodies that indicate bad
// credentials rather than a transient failure.
var authPattern = regexp.MustCompile(`(?i)auth|api.key|unauthorized|forbidden`)

// maxRetries bounds transient retries per request. Auth and other
// non-transient errors fail immediately.
const maxRetries = 2

// Embedder generates embeddings for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Client calls an OpenAI-compatible embeddings API.
type Client struct {
	cfg     *config.EmbeddingsConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

var _ Embedder = (*Client)(nil)

// NewClient creates a Client from configuration. The endpoint is
// {base_url}/embeddings, so base_url should include any version prefix
// (for example http://localhost:8080/v1).
func NewClient(cfg *config.EmbeddingsConfig, logger *logging.Logger) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrEmbeddingFailed)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout.Duration()},
		limiter: limiter,
		logger:  logger.Named("embeddings"),
	}, nil
}

// Model returns the configured embedding model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// embeddingRequest is the OpenAI-compatible request body.
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

// EmbedDocuments generates embeddings for multiple texts. The result is
// ordered to match the input. Transient provider failures are retried up
// to maxRetries times with exponential backoff; credential rejections fail
// immediately with ErrAuth.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vectors, err := c.embed(ctx, "embed_documents", texts)
	observeRequest("embed_documents", time.Since(start), len(texts), err)
	return vectors, err
}

// EmbedQuery generates an embedding for a single query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vectors, err := c.embed(ctx, "embed_query", []string{text})
	observeRequest("embed_query", time.Since(start), 1, err)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, operation string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	for _, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		}
	}

	var vectors [][]float32
	attempt := 0
	op := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		vecs, err := c.requestOnce(ctx, texts)
		if err != nil {
			if isTransient(err) && ctx.Err() == nil {
				c.logger.Warn(ctx, "embedding request failed, retrying",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		vectors = vecs
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return nil, err
	}
	return vectors, nil
}

// requestOnce performs a single embeddings call and validates the result
// shape.
func (c *Client) requestOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.cfg.APIKey.Value(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%w: no data in response", ErrEmptyEmbedding)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: requested %d embeddings, got %d", ErrEmbeddingFailed, len(texts), len(parsed.Data))
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: index %d", ErrEmptyEmbedding, i)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// classifyStatus maps a non-200 response to an error. 401/403 and bodies
// matching authPattern become ErrAuth; 429 and 5xx are transient.
func classifyStatus(status int, body string) error {
	body = strings.TrimSpace(body)
	if status == http.StatusUnauthorized || status == http.StatusForbidden || authPattern.MatchString(body) {
		return fmt.Errorf("%w: status %d: %s", ErrAuth, status, body)
	}
	err := fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, status, body)
	if status == http.StatusTooManyRequests || status >= 500 {
		return &transientError{err: err}
	}
	return err
}

// transientError marks failures worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
