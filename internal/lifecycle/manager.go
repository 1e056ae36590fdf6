// Package lifecycle decides how a (repository, branch) pair gets indexed:
// served as-is from the existing collection, indexed inline on the caller's
// context, or handed to the background queue. It owns every repo index
// status transition; the indexer owns the token counter and vector points.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/credentials"
	"github.com/fyrsmithlabs/codeindexd/internal/events"
	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/queue"
	"github.com/fyrsmithlabs/codeindexd/internal/runtime"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
)

var tracer = otel.Tracer("codeindexd.lifecycle")

var (
	// ErrInvalidParams indicates incomplete input to a public operation.
	ErrInvalidParams = errors.New("invalid lifecycle parameters")

	// ErrIndexingInProgress is returned by TriggerReindex when the branch
	// index is already being built.
	ErrIndexingInProgress = errors.New("indexing already in progress")
)

// State is the readiness of an index as observed by GetOrInitIndex.
type State string

const (
	// StateReady means the collection is current and searchable.
	StateReady State = "ready"

	// StateInProgress means another caller already claimed the build.
	StateInProgress State = "in_progress"

	// StatePending means the build was handed to the background queue.
	StatePending State = "pending"
)

// IndexStore is the slice of the relational store the manager drives.
type IndexStore interface {
	GetRepoIndex(ctx context.Context, repositoryID, branch string) (*store.RepoIndex, error)
	GetRepoIndexByID(ctx context.Context, id string) (*store.RepoIndex, error)
	ListRepoIndexesByRepository(ctx context.Context, repositoryID string) ([]*store.RepoIndex, error)
	ListRepoIndexesByStatus(ctx context.Context, statuses ...store.IndexStatus) ([]*store.RepoIndex, error)
	CreateRepoIndex(ctx context.Context, idx *store.RepoIndex) error
	UpdateRepoIndex(ctx context.Context, id string, patch store.RepoIndexPatch) error
	IncrementIndexedTokens(ctx context.Context, id string, delta int64) error
	DeleteRepoIndex(ctx context.Context, id string) error
	GetRepository(ctx context.Context, id string) (*store.Repository, error)
	FindRepository(ctx context.Context, provider, owner, repo, createdBy string) (*store.Repository, error)
	DeleteRepository(ctx context.Context, id string) error
	WithIndexLock(ctx context.Context, repositoryID, branch string, fn func(context.Context) error) error
}

// JobQueue enqueues and cancels background index jobs.
type JobQueue interface {
	AddJob(ctx context.Context, data queue.JobData) error
	RemoveJob(ctx context.Context, jobID string) error
}

// CodeIndexer is the slice of the indexing engine the manager drives.
type CodeIndexer interface {
	Model() string
	VectorSizeFor(ctx context.Context) (int, error)
	ChunkingSignatureHash() string
	RunFullIndex(ctx context.Context, exec shellexec.Executor, params indexer.RunParams, keepalive indexer.KeepaliveFunc, onProgress indexer.ProgressFunc) error
	RunIncrementalIndex(ctx context.Context, exec shellexec.Executor, params indexer.RunParams, keepalive indexer.KeepaliveFunc, onProgress indexer.ProgressFunc) error
	CopyCollectionPoints(ctx context.Context, source, target string) (int, error)
}

// RuntimeProvisioner hands out isolated workspaces for background jobs.
type RuntimeProvisioner interface {
	Provision(ctx context.Context, label string) (runtime.Runtime, error)
}

// CollectionDeleter removes vector collections on repository deletion.
type CollectionDeleter interface {
	DeleteCollection(ctx context.Context, name string) error
}

// Options tunes lifecycle decisions.
type Options struct {
	// InlineThreshold is the estimated token count at or below which an
	// index run executes on the caller's context instead of the queue.
	InlineThreshold int64
}

// Deps bundles the manager's collaborators. Sealer and Events are optional
// and nil-safe.
type Deps struct {
	Store    IndexStore
	Queue    JobQueue
	Indexer  CodeIndexer
	Runtimes RuntimeProvisioner
	Vectors  CollectionDeleter
	Sealer   *credentials.Sealer
	Events   *events.Publisher
}

// Manager orchestrates index state transitions for every (repository,
// branch) pair.
type Manager struct {
	store    IndexStore
	queue    JobQueue
	indexer  CodeIndexer
	runtimes RuntimeProvisioner
	vectors  CollectionDeleter
	sealer   *credentials.Sealer
	events   *events.Publisher
	opts     Options
	logger   *logging.Logger
}

// New builds a lifecycle manager.
func New(deps Deps, opts Options, logger *logging.Logger) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("lifecycle requires a store")
	case deps.Queue == nil:
		return nil, errors.New("lifecycle requires a job queue")
	case deps.Indexer == nil:
		return nil, errors.New("lifecycle requires an indexer")
	case deps.Runtimes == nil:
		return nil, errors.New("lifecycle requires a runtime provisioner")
	case deps.Vectors == nil:
		return nil, errors.New("lifecycle requires a vector store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:    deps.Store,
		queue:    deps.Queue,
		indexer:  deps.Indexer,
		runtimes: deps.Runtimes,
		vectors:  deps.Vectors,
		sealer:   deps.Sealer,
		events:   deps.Events,
		opts:     opts,
		logger:   logger.Named("lifecycle"),
	}, nil
}

// InitParams identifies the checkout GetOrInitIndex works on. RepoURL may be
// empty, in which case the origin remote of the checkout is used. UserID
// scopes the canonical repository lookup.
type InitParams struct {
	RepositoryID string
	RepoURL      string
	RepoRoot     string
	Branch       string
	Exec         shellexec.Executor
	UserID       string
}

func (p InitParams) validate() error {
	switch {
	case p.RepositoryID == "":
		return fmt.Errorf("%w: repository id required", ErrInvalidParams)
	case p.RepoRoot == "":
		return fmt.Errorf("%w: repo root required", ErrInvalidParams)
	case p.Branch == "":
		return fmt.Errorf("%w: branch required", ErrInvalidParams)
	case p.Exec == nil:
		return fmt.Errorf("%w: executor required", ErrInvalidParams)
	}
	return nil
}

// InitResult is what the caller observes: a state plus the row backing it.
type InitResult struct {
	State  State
	Entity *store.RepoIndex
}

// claim is the outcome of claimIndexSlot. A non-empty state short-circuits;
// otherwise the row was flipped to InProgress and the caller must run the
// index described by the remaining fields.
type claim struct {
	entity        *store.RepoIndex
	state         State
	needsFull     bool
	repoID        string
	currentCommit string
	fromCommit    string
}

// GetOrInitIndex resolves the index for a (repository, branch) pair,
// creating or refreshing it as needed. Small estimated runs execute inline;
// larger ones are queued for a background worker.
func (m *Manager) GetOrInitIndex(ctx context.Context, params InitParams) (*InitResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "lifecycle.get_or_init_index", trace.WithAttributes(
		attribute.String("repository_id", params.RepositoryID),
		attribute.String("branch", params.Branch),
	))
	defer span.End()

	if params.RepoURL == "" {
		params.RepoURL = gitcli.OriginURL(ctx, params.Exec, params.RepoRoot)
		if params.RepoURL == "" {
			return nil, fmt.Errorf("%w: repo url missing and origin remote unresolvable", ErrInvalidParams)
		}
	}
	repositoryID := m.resolveRepositoryID(ctx, params)

	var c *claim
	err := m.store.WithIndexLock(ctx, repositoryID, params.Branch, func(ctx context.Context) error {
		var claimErr error
		c, claimErr = m.claimIndexSlot(ctx, params, repositoryID)
		return claimErr
	})
	if err != nil {
		initsTotal.WithLabelValues("error").Inc()
		return nil, recordSpanError(span, err)
	}

	if c.state != "" {
		span.SetAttributes(attribute.String("state", string(c.state)))
		initsTotal.WithLabelValues(string(c.state)).Inc()
		return &InitResult{State: c.state, Entity: c.entity}, nil
	}

	if c.entity.EstimatedTokens <= m.opts.InlineThreshold {
		entity, err := m.runInline(ctx, params.Exec, params.RepoRoot, c)
		if err != nil {
			initsTotal.WithLabelValues("failed").Inc()
			return nil, recordSpanError(span, err)
		}
		span.SetAttributes(attribute.String("state", string(StateReady)))
		initsTotal.WithLabelValues("completed").Inc()
		return &InitResult{State: StateReady, Entity: entity}, nil
	}

	pending := store.StatusPending
	if err := m.store.UpdateRepoIndex(ctx, c.entity.ID, store.RepoIndexPatch{Status: &pending}); err != nil {
		return nil, recordSpanError(span, err)
	}
	c.entity.Status = store.StatusPending
	job := queue.JobData{RepoIndexID: c.entity.ID, RepoURL: c.entity.RepoURL, Branch: c.entity.Branch}
	if err := m.queue.AddJob(ctx, job); err != nil {
		err = fmt.Errorf("enqueueing index job: %w", err)
		m.failEntity(ctx, c.entity, err)
		initsTotal.WithLabelValues("error").Inc()
		return nil, recordSpanError(span, err)
	}
	m.publish(ctx, events.TypePending, c.entity, nil)
	initsTotal.WithLabelValues("pending").Inc()
	m.logger.Info(ctx, "index queued for background build",
		zap.String("repo_index_id", c.entity.ID),
		zap.String("branch", c.entity.Branch),
		zap.Int64("estimated_tokens", c.entity.EstimatedTokens),
	)
	return &InitResult{State: StatePending, Entity: c.entity}, nil
}

// claimIndexSlot runs under the (repository, branch) advisory lock. It reads
// the existing row, short-circuits on active or current indexes, decides full
// versus incremental, seeds fresh branches from a sibling, and writes the
// claimed row as InProgress.
func (m *Manager) claimIndexSlot(ctx context.Context, params InitParams, repositoryID string) (*claim, error) {
	existing, err := m.store.GetRepoIndex(ctx, repositoryID, params.Branch)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	repoURL := params.RepoURL
	if existing != nil && existing.RepoURL != "" {
		// The stored URL is what existing points were filtered under.
		repoURL = existing.RepoURL
	}

	if existing != nil && existing.Status.Active() {
		return &claim{entity: existing, state: StateInProgress}, nil
	}

	model := m.indexer.Model()
	vectorSize, err := m.indexer.VectorSizeFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing vector size: %w", err)
	}
	signature := m.indexer.ChunkingSignatureHash()
	repoID := indexer.DeriveRepoID(repoURL)
	collection := indexer.BuildCollectionName(indexer.DeriveRepoSlug(repoID), vectorSize, indexer.DeriveBranchSlug(params.Branch))

	currentCommit, err := gitcli.RevParseHead(ctx, params.Exec, params.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving current commit: %w", err)
	}

	if existing != nil && existing.Status == store.StatusCompleted &&
		strValue(existing.LastIndexedCommit) == currentCommit &&
		strValue(existing.EmbeddingModel) == model &&
		intValue(existing.VectorSize) == vectorSize &&
		strValue(existing.ChunkingSignatureHash) == signature {
		return &claim{entity: existing, state: StateReady}, nil
	}

	fromCommit := ""
	metadataDrift := false
	if existing != nil {
		fromCommit = strValue(existing.LastIndexedCommit)
		metadataDrift = strValue(existing.EmbeddingModel) != model ||
			intValue(existing.VectorSize) != vectorSize ||
			strValue(existing.ChunkingSignatureHash) != signature
	}
	needsFull := existing == nil || existing.Status == store.StatusFailed || fromCommit == "" || metadataDrift

	if needsFull && fromCommit == "" {
		if donorCommit := m.seedFromSibling(ctx, repositoryID, params.Branch, collection, model, vectorSize, signature); donorCommit != "" {
			fromCommit = donorCommit
			needsFull = false
		}
	}

	var estimate int64
	if needsFull {
		estimate = indexer.EstimateTotalTokens(ctx, params.Exec, params.RepoRoot)
	} else {
		estimate = indexer.EstimateChangedTokens(ctx, params.Exec, params.RepoRoot, fromCommit, currentCommit)
	}

	// Carrying over the prior total keeps the progress ratio meaningful:
	// the incremental run only reports the changed tokens.
	var carried int64
	if !needsFull && existing != nil && existing.IndexedTokens > 0 {
		carried = existing.IndexedTokens - estimate
		if carried < 0 {
			carried = 0
		}
	}

	inProgress := store.StatusInProgress
	var entity *store.RepoIndex
	if existing == nil {
		entity = &store.RepoIndex{
			RepositoryID:          repositoryID,
			RepoURL:               repoURL,
			Branch:                params.Branch,
			Status:                inProgress,
			Collection:            collection,
			EmbeddingModel:        &model,
			VectorSize:            &vectorSize,
			ChunkingSignatureHash: &signature,
			EstimatedTokens:       estimate,
			IndexedTokens:         carried,
		}
		if fromCommit != "" {
			entity.LastIndexedCommit = &fromCommit
		}
		if err := m.store.CreateRepoIndex(ctx, entity); err != nil {
			return nil, fmt.Errorf("creating repo index: %w", err)
		}
	} else {
		patch := store.RepoIndexPatch{
			Status:                &inProgress,
			Collection:            &collection,
			EmbeddingModel:        &model,
			VectorSize:            &vectorSize,
			ChunkingSignatureHash: &signature,
			EstimatedTokens:       &estimate,
			IndexedTokens:         &carried,
			ErrorMessage:          store.Ptr(""),
		}
		if fromCommit != "" && fromCommit != strValue(existing.LastIndexedCommit) {
			patch.LastIndexedCommit = &fromCommit
		}
		if err := m.store.UpdateRepoIndex(ctx, existing.ID, patch); err != nil {
			return nil, fmt.Errorf("claiming repo index: %w", err)
		}
		entity = existing
		entity.Status = inProgress
		entity.Collection = collection
		entity.EmbeddingModel = &model
		entity.VectorSize = &vectorSize
		entity.ChunkingSignatureHash = &signature
		entity.EstimatedTokens = estimate
		entity.IndexedTokens = carried
		entity.ErrorMessage = nil
		if fromCommit != "" {
			entity.LastIndexedCommit = &fromCommit
		}
	}

	return &claim{
		entity:        entity,
		needsFull:     needsFull,
		repoID:        repoID,
		currentCommit: currentCommit,
		fromCommit:    fromCommit,
	}, nil
}

// seedFromSibling bootstraps a fresh branch collection by copying points from
// the repository's most recently completed branch index. Returns the donor's
// commit, or "" when no usable donor exists. Seeding is best-effort; failures
// fall back to a full index.
func (m *Manager) seedFromSibling(ctx context.Context, repositoryID, branch, targetCollection, model string, vectorSize int, signature string) string {
	siblings, err := m.store.ListRepoIndexesByRepository(ctx, repositoryID)
	if err != nil {
		m.logger.Warn(ctx, "sibling lookup for seeding failed", zap.Error(err))
		return ""
	}

	var donor *store.RepoIndex
	for _, sib := range siblings {
		if sib.Branch == branch || sib.Status != store.StatusCompleted {
			continue
		}
		if strValue(sib.LastIndexedCommit) == "" {
			continue
		}
		// A donor indexed under different embedding settings would seed
		// vectors the new collection cannot serve.
		if strValue(sib.EmbeddingModel) != model ||
			intValue(sib.VectorSize) != vectorSize ||
			strValue(sib.ChunkingSignatureHash) != signature {
			continue
		}
		if donor == nil || sib.UpdatedAt.After(donor.UpdatedAt) {
			donor = sib
		}
	}
	if donor == nil {
		return ""
	}

	copied, err := m.indexer.CopyCollectionPoints(ctx, donor.Collection, targetCollection)
	if err != nil {
		m.logger.Warn(ctx, "cross-branch seeding failed",
			zap.String("donor", donor.Collection),
			zap.String("target", targetCollection),
			zap.Error(err),
		)
		return ""
	}
	if copied == 0 {
		return ""
	}

	seededBranches.Inc()
	m.logger.Info(ctx, "seeded branch collection from sibling",
		zap.String("donor_branch", donor.Branch),
		zap.String("target", targetCollection),
		zap.Int("points", copied),
	)
	return strValue(donor.LastIndexedCommit)
}

// runInline executes the claimed run on the caller's context.
func (m *Manager) runInline(ctx context.Context, exec shellexec.Executor, repoRoot string, c *claim) (*store.RepoIndex, error) {
	m.publish(ctx, events.TypeStarted, c.entity, nil)
	if err := m.runIndex(ctx, exec, repoRoot, c, nil); err != nil {
		m.failEntity(ctx, c.entity, err)
		return nil, err
	}
	return m.completeEntity(ctx, c.entity, c.currentCommit)
}

// runIndex drives the chosen index routine with progress wired to the
// DB-side token counter.
func (m *Manager) runIndex(ctx context.Context, exec shellexec.Executor, repoRoot string, c *claim, keepalive indexer.KeepaliveFunc) error {
	params := indexer.RunParams{
		RepoID:     c.repoID,
		RepoRoot:   repoRoot,
		Collection: c.entity.Collection,
		Commit:     c.currentCommit,
		VectorSize: intValue(c.entity.VectorSize),
	}
	onProgress := m.progressFunc(ctx, c.entity.ID)
	if c.needsFull {
		return m.indexer.RunFullIndex(ctx, exec, params, keepalive, onProgress)
	}
	params.LastIndexedCommit = c.fromCommit
	return m.indexer.RunIncrementalIndex(ctx, exec, params, keepalive, onProgress)
}

// progressFunc translates batch token counts into DB-side atomic increments
// so observers read a monotonic counter mid-run.
func (m *Manager) progressFunc(ctx context.Context, id string) indexer.ProgressFunc {
	return func(tokens int64) {
		if tokens <= 0 {
			return
		}
		if err := m.store.IncrementIndexedTokens(ctx, id, tokens); err != nil {
			m.logger.Warn(ctx, "token progress update failed",
				zap.String("repo_index_id", id),
				zap.Error(err),
			)
		}
	}
}

// completeEntity flips the row to Completed and reconciles estimatedTokens to
// the final indexedTokens count.
func (m *Manager) completeEntity(ctx context.Context, entity *store.RepoIndex, commit string) (*store.RepoIndex, error) {
	reloaded, err := m.store.GetRepoIndexByID(ctx, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading repo index after run: %w", err)
	}

	completed := store.StatusCompleted
	patch := store.RepoIndexPatch{
		Status:            &completed,
		LastIndexedCommit: &commit,
		EstimatedTokens:   &reloaded.IndexedTokens,
		ErrorMessage:      store.Ptr(""),
	}
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, patch); err != nil {
		return nil, fmt.Errorf("marking repo index completed: %w", err)
	}
	reloaded.Status = completed
	reloaded.LastIndexedCommit = &commit
	reloaded.EstimatedTokens = reloaded.IndexedTokens
	reloaded.ErrorMessage = nil

	m.publish(ctx, events.TypeCompleted, reloaded, nil)
	m.logger.Info(ctx, "index completed",
		zap.String("repo_index_id", reloaded.ID),
		zap.String("branch", reloaded.Branch),
		zap.String("commit", commit),
		zap.Int64("indexed_tokens", reloaded.IndexedTokens),
	)
	return reloaded, nil
}

// failEntity records a failed run on the row. Best-effort: the run's own
// error is what propagates to the caller or the queue.
func (m *Manager) failEntity(ctx context.Context, entity *store.RepoIndex, cause error) {
	failed := store.StatusFailed
	msg := cause.Error()
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, store.RepoIndexPatch{Status: &failed, ErrorMessage: &msg}); err != nil {
		m.logger.Error(ctx, "failed to record index failure",
			zap.String("repo_index_id", entity.ID),
			zap.Error(err),
		)
	}
	entity.Status = failed
	m.publish(ctx, events.TypeFailed, entity, cause)
}

// TriggerReindex forces a rebuild of one branch index through the background
// queue. A row already Pending or InProgress yields ErrIndexingInProgress.
func (m *Manager) TriggerReindex(ctx context.Context, repositoryID, branch string) error {
	return m.store.WithIndexLock(ctx, repositoryID, branch, func(ctx context.Context) error {
		entity, err := m.store.GetRepoIndex(ctx, repositoryID, branch)
		if err != nil {
			return err
		}
		if entity.Status.Active() {
			return fmt.Errorf("%w: %s@%s", ErrIndexingInProgress, repositoryID, branch)
		}

		pending := store.StatusPending
		patch := store.RepoIndexPatch{
			Status: &pending,
			// Clearing the commit routes the worker to a full rebuild.
			LastIndexedCommit: store.Ptr(""),
			IndexedTokens:     store.Ptr(int64(0)),
			ErrorMessage:      store.Ptr(""),
		}
		if err := m.store.UpdateRepoIndex(ctx, entity.ID, patch); err != nil {
			return err
		}
		entity.Status = pending

		job := queue.JobData{RepoIndexID: entity.ID, RepoURL: entity.RepoURL, Branch: entity.Branch}
		if err := m.queue.AddJob(ctx, job); err != nil {
			return fmt.Errorf("enqueueing reindex job: %w", err)
		}
		m.publish(ctx, events.TypePending, entity, nil)
		m.logger.Info(ctx, "reindex queued",
			zap.String("repo_index_id", entity.ID),
			zap.String("branch", branch),
		)
		return nil
	})
}

// DeleteRepositoryData removes everything stored for a repository: queued
// jobs, the vector collection of every branch index, the index rows, and the
// repository row itself.
func (m *Manager) DeleteRepositoryData(ctx context.Context, repositoryID string) error {
	indexes, err := m.store.ListRepoIndexesByRepository(ctx, repositoryID)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := m.queue.RemoveJob(ctx, idx.ID); err != nil {
			m.logger.Warn(ctx, "failed to cancel queued job",
				zap.String("repo_index_id", idx.ID),
				zap.Error(err),
			)
		}
		if idx.Collection != "" {
			if err := m.vectors.DeleteCollection(ctx, idx.Collection); err != nil {
				return fmt.Errorf("deleting collection %s: %w", idx.Collection, err)
			}
		}
		if err := m.store.DeleteRepoIndex(ctx, idx.ID); err != nil {
			return err
		}
	}
	if err := m.store.DeleteRepository(ctx, repositoryID); err != nil {
		return err
	}
	m.logger.Info(ctx, "repository data deleted",
		zap.String("repository_id", repositoryID),
		zap.Int("indexes", len(indexes)),
	)
	return nil
}

// resolveRepositoryID swaps the caller's repository id for the canonical row
// when the URL identifies one the API layer registered.
func (m *Manager) resolveRepositoryID(ctx context.Context, params InitParams) string {
	provider, owner, repo, ok := splitRepoURL(indexer.DeriveRepoID(params.RepoURL))
	if !ok {
		return params.RepositoryID
	}
	row, err := m.store.FindRepository(ctx, provider, owner, repo, params.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Debug(ctx, "canonical repository lookup failed", zap.Error(err))
		}
		return params.RepositoryID
	}
	return row.ID
}

// splitRepoURL extracts (provider, owner, repo) from a canonical repo id of
// the form https://host/owner/repo. Provider is the host's first label, so
// github.com and gitlab.example.org yield github and gitlab.
func splitRepoURL(repoID string) (provider, owner, repo string, ok bool) {
	u, err := url.Parse(repoID)
	if err != nil || u.Host == "" {
		return "", "", "", false
	}
	host := u.Hostname()
	provider = host
	if i := strings.IndexByte(host, '.'); i > 0 {
		provider = host[:i]
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return "", "", "", false
	}
	return provider, segments[len(segments)-2], segments[len(segments)-1], true
}

// publish emits a lifecycle event for the entity. No-op when events are
// disabled.
func (m *Manager) publish(ctx context.Context, eventType string, entity *store.RepoIndex, cause error) {
	event := events.Event{
		Type:         eventType,
		RepoIndexID:  entity.ID,
		RepositoryID: entity.RepositoryID,
		Branch:       entity.Branch,
		Commit:       strValue(entity.LastIndexedCommit),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	m.events.Publish(ctx, event)
}

func strValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
