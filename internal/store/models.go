package store

import "time"

// IndexStatus is the lifecycle state of a repo index.
type IndexStatus string

const (
	StatusPending    IndexStatus = "pending"
	StatusInProgress IndexStatus = "in_progress"
	StatusCompleted  IndexStatus = "completed"
	StatusFailed     IndexStatus = "failed"
)

// Active reports whether the status names an index whose collection is
// still being written.
func (s IndexStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Repository is a registered git repository. Rows are optional: indexes can
// reference repository ids the API layer never registered.
type Repository struct {
	ID             string    `db:"id"`
	Owner          string    `db:"owner"`
	Repo           string    `db:"repo"`
	URL            string    `db:"url"`
	Provider       string    `db:"provider"`
	DefaultBranch  string    `db:"default_branch"`
	CreatedBy      string    `db:"created_by"`
	EncryptedToken *string   `db:"encrypted_token"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RepoIndex tracks one (repository, branch) index and the Qdrant collection
// backing it.
type RepoIndex struct {
	ID                    string      `db:"id"`
	RepositoryID          string      `db:"repository_id"`
	RepoURL               string      `db:"repo_url"`
	Branch                string      `db:"branch"`
	Status                IndexStatus `db:"status"`
	Collection            string      `db:"collection"`
	LastIndexedCommit     *string     `db:"last_indexed_commit"`
	EmbeddingModel        *string     `db:"embedding_model"`
	VectorSize            *int        `db:"vector_size"`
	ChunkingSignatureHash *string     `db:"chunking_signature_hash"`
	EstimatedTokens       int64       `db:"estimated_tokens"`
	IndexedTokens         int64       `db:"indexed_tokens"`
	ErrorMessage          *string     `db:"error_message"`
	CreatedAt             time.Time   `db:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at"`
}

// RepoIndexPatch is a partial update. Nil fields are left untouched; a
// non-nil empty ErrorMessage clears the column.
type RepoIndexPatch struct {
	Status                *IndexStatus
	Collection            *string
	LastIndexedCommit     *string
	EmbeddingModel        *string
	VectorSize            *int
	ChunkingSignatureHash *string
	EstimatedTokens       *int64
	IndexedTokens         *int64
	ErrorMessage          *string
}

// Ptr returns a pointer to v. Convenience for building patches.
func Ptr[T any](v T) *T { return &v }
