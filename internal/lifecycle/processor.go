package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/events"
	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/queue"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
)

// Manager implements queue.Handler: OnProcess runs one background index job
// inside an ephemeral runtime; the other callbacks keep the repo index row in
// step with the queue's own transitions.
var _ queue.Handler = (*Manager)(nil)

// OnProcess clones the repository into a fresh runtime and runs the index.
// Returned errors are settled by the queue as retry or final failure.
func (m *Manager) OnProcess(ctx context.Context, data queue.JobData) error {
	ctx, span := tracer.Start(ctx, "lifecycle.process_job", trace.WithAttributes(
		attribute.String("repo_index_id", data.RepoIndexID),
		attribute.String("branch", data.Branch),
	))
	defer span.End()

	entity, err := m.store.GetRepoIndexByID(ctx, data.RepoIndexID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info(ctx, "job references a deleted index, skipping",
			zap.String("repo_index_id", data.RepoIndexID))
		jobsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return recordSpanError(span, err)
	}
	if entity.Status == store.StatusCompleted {
		m.logger.Info(ctx, "index already completed, skipping job",
			zap.String("repo_index_id", entity.ID))
		jobsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	// Flip to InProgress without touching the token counters the claim
	// carried over.
	inProgress := store.StatusInProgress
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, store.RepoIndexPatch{Status: &inProgress}); err != nil {
		return recordSpanError(span, err)
	}
	entity.Status = inProgress
	m.publish(ctx, events.TypeStarted, entity, nil)

	if err := m.processInRuntime(ctx, entity); err != nil {
		jobsTotal.WithLabelValues("failed").Inc()
		return recordSpanError(span, err)
	}
	jobsTotal.WithLabelValues("completed").Inc()
	return nil
}

// processInRuntime owns an ephemeral runtime for the duration of one job:
// provision, clone, index, destroy.
func (m *Manager) processInRuntime(ctx context.Context, entity *store.RepoIndex) error {
	rt, err := m.runtimes.Provision(ctx, entity.ID)
	if err != nil {
		return fmt.Errorf("provisioning runtime: %w", err)
	}
	defer func() {
		// Destroy must run even when ctx is already done, or crashed jobs
		// leak checkouts.
		if err := rt.Destroy(context.Background()); err != nil {
			m.logger.Warn(ctx, "runtime cleanup failed",
				zap.String("runtime_id", rt.ID()),
				zap.Error(err),
			)
		}
	}()

	cloneURL, err := m.authenticatedCloneURL(ctx, entity)
	if err != nil {
		return err
	}
	repoDir := filepath.Join(rt.Dir(), "repo")
	m.logger.Info(ctx, "cloning repository",
		zap.String("url", gitcli.SanitizeURL(cloneURL)),
		zap.String("branch", entity.Branch),
		zap.String("runtime_id", rt.ID()),
	)
	if err := gitcli.Clone(ctx, rt, cloneURL, entity.Branch, repoDir); err != nil {
		return err
	}

	c, err := m.rebuildClaim(ctx, rt, repoDir, entity)
	if err != nil {
		return err
	}
	if err := m.runIndex(ctx, rt, repoDir, c, rt.Touch); err != nil {
		return err
	}
	_, err = m.completeEntity(ctx, entity, c.currentCommit)
	return err
}

// rebuildClaim repeats the strategy decision against what the worker's clone
// actually contains. The commit and metadata resolved at claim time may be
// stale by the time a queued job runs.
func (m *Manager) rebuildClaim(ctx context.Context, exec shellexec.Executor, repoDir string, entity *store.RepoIndex) (*claim, error) {
	model := m.indexer.Model()
	vectorSize, err := m.indexer.VectorSizeFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing vector size: %w", err)
	}
	signature := m.indexer.ChunkingSignatureHash()
	repoID := indexer.DeriveRepoID(entity.RepoURL)
	collection := indexer.BuildCollectionName(indexer.DeriveRepoSlug(repoID), vectorSize, indexer.DeriveBranchSlug(entity.Branch))

	currentCommit, err := gitcli.RevParseHead(ctx, exec, repoDir)
	if err != nil {
		return nil, fmt.Errorf("resolving cloned commit: %w", err)
	}

	fromCommit := strValue(entity.LastIndexedCommit)
	metadataDrift := strValue(entity.EmbeddingModel) != model ||
		intValue(entity.VectorSize) != vectorSize ||
		strValue(entity.ChunkingSignatureHash) != signature
	needsFull := fromCommit == "" || metadataDrift

	patch := store.RepoIndexPatch{
		Collection:            &collection,
		EmbeddingModel:        &model,
		VectorSize:            &vectorSize,
		ChunkingSignatureHash: &signature,
	}
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, patch); err != nil {
		return nil, fmt.Errorf("updating index metadata: %w", err)
	}
	entity.Collection = collection
	entity.EmbeddingModel = &model
	entity.VectorSize = &vectorSize
	entity.ChunkingSignatureHash = &signature

	return &claim{
		entity:        entity,
		needsFull:     needsFull,
		repoID:        repoID,
		currentCommit: currentCommit,
		fromCommit:    fromCommit,
	}, nil
}

// authenticatedCloneURL injects the repository's decrypted token as the URL
// username when one is stored.
func (m *Manager) authenticatedCloneURL(ctx context.Context, entity *store.RepoIndex) (string, error) {
	repo, err := m.store.GetRepository(ctx, entity.RepositoryID)
	if errors.Is(err, store.ErrNotFound) {
		return entity.RepoURL, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading repository row: %w", err)
	}
	if repo.EncryptedToken == nil || *repo.EncryptedToken == "" {
		return entity.RepoURL, nil
	}
	token, err := m.sealer.OpenString(*repo.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("opening repository token: %w", err)
	}
	return injectURLUser(entity.RepoURL, token), nil
}

// injectURLUser places user info into a URL. Inputs without a host, such as
// local paths, are returned unchanged.
func injectURLUser(rawURL, user string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.User = url.User(user)
	return u.String()
}

// OnStalled rolls a lease-expired job's row back to Pending so the queue's
// requeue finds it in a claimable state.
func (m *Manager) OnStalled(ctx context.Context, jobID string) {
	m.resetToPending(ctx, jobID, "stalled")
}

// OnRetry rolls the row back to Pending while attempts remain.
func (m *Manager) OnRetry(ctx context.Context, jobID string, attempt int, err error) {
	m.resetToPending(ctx, jobID, fmt.Sprintf("retry after attempt %d", attempt))
}

// OnFailed records the final failure on the row.
func (m *Manager) OnFailed(ctx context.Context, jobID string, cause error) {
	entity, err := m.store.GetRepoIndexByID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error(ctx, "cannot record failure",
				zap.String("repo_index_id", jobID),
				zap.Error(err),
			)
		}
		return
	}
	m.failEntity(ctx, entity, cause)
}

func (m *Manager) resetToPending(ctx context.Context, jobID, reason string) {
	entity, err := m.store.GetRepoIndexByID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error(ctx, "cannot reset index to pending",
				zap.String("repo_index_id", jobID),
				zap.Error(err),
			)
		}
		return
	}

	pending := store.StatusPending
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, store.RepoIndexPatch{Status: &pending}); err != nil {
		m.logger.Error(ctx, "failed to reset index to pending",
			zap.String("repo_index_id", jobID),
			zap.Error(err),
		)
		return
	}
	entity.Status = pending
	m.publish(ctx, events.TypePending, entity, nil)
	m.logger.Warn(ctx, "index rolled back to pending",
		zap.String("repo_index_id", jobID),
		zap.String("reason", reason),
	)
}
