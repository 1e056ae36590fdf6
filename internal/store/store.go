// Package store persists repositories and repo indexes in Postgres. It
// also provides the advisory locks that serialize index decisions per
// (repository, branch) across processes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Config holds Postgres connection configuration.
type Config struct {
	// URL is a postgres:// connection string.
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

// Store wraps the Postgres connection pool.
type Store struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("store: database url required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info(ctx, "postgres connection established",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return New(db, logger), nil
}

// New wraps an existing connection pool. Used by tests and by callers that
// manage the pool themselves.
func New(db *sqlx.DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store")}
}

// DB exposes the underlying pool for components that share it.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- repositories ---

// CreateRepository inserts a repository row, generating the id when empty.
func (s *Store) CreateRepository(ctx context.Context, r *Repository) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	const q = `INSERT INTO git_repositories
		(id, owner, repo, url, provider, default_branch, created_by, encrypted_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.Owner, r.Repo, r.URL, r.Provider, r.DefaultBranch, r.CreatedBy, r.EncryptedToken, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating repository: %w", err)
	}
	return nil
}

// GetRepository fetches a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var r Repository
	const q = `SELECT * FROM git_repositories WHERE id = $1`
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting repository %s: %w", id, err)
	}
	return &r, nil
}

// FindRepository looks a repository up by its natural key.
func (s *Store) FindRepository(ctx context.Context, provider, owner, repo, createdBy string) (*Repository, error) {
	var r Repository
	const q = `SELECT * FROM git_repositories
		WHERE provider = $1 AND owner = $2 AND repo = $3 AND created_by = $4`
	if err := s.db.GetContext(ctx, &r, q, provider, owner, repo, createdBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding repository %s/%s: %w", owner, repo, err)
	}
	return &r, nil
}

// UpdateRepositoryToken replaces the sealed access token. Empty clears it.
func (s *Store) UpdateRepositoryToken(ctx context.Context, id string, encryptedToken *string) error {
	const q = `UPDATE git_repositories SET encrypted_token = $1, updated_at = now() WHERE id = $2`
	res, err := s.db.ExecContext(ctx, q, encryptedToken, id)
	if err != nil {
		return fmt.Errorf("updating repository token: %w", err)
	}
	return requireRowsAffected(res, id)
}

// DeleteRepository removes a repository row.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	const q = `DELETE FROM git_repositories WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting repository %s: %w", id, err)
	}
	return nil
}

// --- repo indexes ---

// CreateRepoIndex inserts a repo index row, generating the id when empty.
func (s *Store) CreateRepoIndex(ctx context.Context, idx *RepoIndex) error {
	if idx.ID == "" {
		idx.ID = uuid.NewString()
	}
	if idx.Status == "" {
		idx.Status = StatusPending
	}
	now := time.Now().UTC()
	idx.CreatedAt = now
	idx.UpdatedAt = now

	const q = `INSERT INTO repo_indexes
		(id, repository_id, repo_url, branch, status, collection, last_indexed_commit,
		 embedding_model, vector_size, chunking_signature_hash, estimated_tokens,
		 indexed_tokens, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.db.ExecContext(ctx, q,
		idx.ID, idx.RepositoryID, idx.RepoURL, idx.Branch, idx.Status, idx.Collection,
		idx.LastIndexedCommit, idx.EmbeddingModel, idx.VectorSize, idx.ChunkingSignatureHash,
		idx.EstimatedTokens, idx.IndexedTokens, idx.ErrorMessage, idx.CreatedAt, idx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating repo index: %w", err)
	}
	return nil
}

// GetRepoIndex fetches the index for a (repository, branch) pair.
func (s *Store) GetRepoIndex(ctx context.Context, repositoryID, branch string) (*RepoIndex, error) {
	var idx RepoIndex
	const q = `SELECT * FROM repo_indexes WHERE repository_id = $1 AND branch = $2`
	if err := s.db.GetContext(ctx, &idx, q, repositoryID, branch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting repo index %s@%s: %w", repositoryID, branch, err)
	}
	return &idx, nil
}

// GetRepoIndexByID fetches an index row by id.
func (s *Store) GetRepoIndexByID(ctx context.Context, id string) (*RepoIndex, error) {
	var idx RepoIndex
	const q = `SELECT * FROM repo_indexes WHERE id = $1`
	if err := s.db.GetContext(ctx, &idx, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting repo index %s: %w", id, err)
	}
	return &idx, nil
}

// ListRepoIndexesByRepository lists all branch indexes of a repository.
func (s *Store) ListRepoIndexesByRepository(ctx context.Context, repositoryID string) ([]*RepoIndex, error) {
	var indexes []*RepoIndex
	const q = `SELECT * FROM repo_indexes WHERE repository_id = $1 ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &indexes, q, repositoryID); err != nil {
		return nil, fmt.Errorf("listing repo indexes for %s: %w", repositoryID, err)
	}
	return indexes, nil
}

// ListRepoIndexesByStatus lists indexes in any of the given statuses.
func (s *Store) ListRepoIndexesByStatus(ctx context.Context, statuses ...IndexStatus) ([]*RepoIndex, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	q := fmt.Sprintf(`SELECT * FROM repo_indexes WHERE status IN (%s) ORDER BY created_at`,
		strings.Join(placeholders, ", "))

	var indexes []*RepoIndex
	if err := s.db.SelectContext(ctx, &indexes, q, args...); err != nil {
		return nil, fmt.Errorf("listing repo indexes by status: %w", err)
	}
	return indexes, nil
}

// UpdateRepoIndex applies a partial update. ErrNotFound when no row matched.
func (s *Store) UpdateRepoIndex(ctx context.Context, id string, patch RepoIndexPatch) error {
	sets := []string{"updated_at = now()"}
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Collection != nil {
		add("collection", *patch.Collection)
	}
	if patch.LastIndexedCommit != nil {
		add("last_indexed_commit", *patch.LastIndexedCommit)
	}
	if patch.EmbeddingModel != nil {
		add("embedding_model", *patch.EmbeddingModel)
	}
	if patch.VectorSize != nil {
		add("vector_size", *patch.VectorSize)
	}
	if patch.ChunkingSignatureHash != nil {
		add("chunking_signature_hash", *patch.ChunkingSignatureHash)
	}
	if patch.EstimatedTokens != nil {
		add("estimated_tokens", *patch.EstimatedTokens)
	}
	if patch.IndexedTokens != nil {
		add("indexed_tokens", *patch.IndexedTokens)
	}
	if patch.ErrorMessage != nil {
		if *patch.ErrorMessage == "" {
			sets = append(sets, "error_message = NULL")
		} else {
			add("error_message", *patch.ErrorMessage)
		}
	}

	args = append(args, id)
	q := fmt.Sprintf("UPDATE repo_indexes SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("updating repo index %s: %w", id, err)
	}
	return requireRowsAffected(res, id)
}

// IncrementIndexedTokens adds delta to the index's token counter. The
// addition happens in SQL so concurrent embed batches cannot lose updates.
func (s *Store) IncrementIndexedTokens(ctx context.Context, id string, delta int64) error {
	const q = `UPDATE repo_indexes
		SET indexed_tokens = indexed_tokens + $1, updated_at = now()
		WHERE id = $2`
	res, err := s.db.ExecContext(ctx, q, delta, id)
	if err != nil {
		return fmt.Errorf("incrementing indexed tokens for %s: %w", id, err)
	}
	return requireRowsAffected(res, id)
}

// DeleteRepoIndex removes an index row.
func (s *Store) DeleteRepoIndex(ctx context.Context, id string) error {
	const q = `DELETE FROM repo_indexes WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting repo index %s: %w", id, err)
	}
	return nil
}

func requireRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
