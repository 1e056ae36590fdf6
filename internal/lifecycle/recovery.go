package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/queue"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
)

// RecoverOrphanedIndexes re-enqueues work a previous process left Pending or
// InProgress. A row stuck InProgress means its worker died without settling
// the job; resetting to Pending lets a fresh job claim it. Failures are
// logged and skipped; recovery never blocks startup.
func (m *Manager) RecoverOrphanedIndexes(ctx context.Context) {
	rows, err := m.store.ListRepoIndexesByStatus(ctx, store.StatusPending, store.StatusInProgress)
	if err != nil {
		m.logger.Error(ctx, "startup recovery scan failed", zap.Error(err))
		return
	}

	recovered := 0
	for _, row := range rows {
		if row.Status != store.StatusPending {
			pending := store.StatusPending
			if err := m.store.UpdateRepoIndex(ctx, row.ID, store.RepoIndexPatch{Status: &pending}); err != nil {
				m.logger.Error(ctx, "failed to reset orphaned index",
					zap.String("repo_index_id", row.ID),
					zap.Error(err),
				)
				continue
			}
		}
		job := queue.JobData{RepoIndexID: row.ID, RepoURL: row.RepoURL, Branch: row.Branch}
		if err := m.queue.AddJob(ctx, job); err != nil {
			m.logger.Error(ctx, "failed to re-enqueue orphaned index",
				zap.String("repo_index_id", row.ID),
				zap.Error(err),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		indexesRecovered.Add(float64(recovered))
		m.logger.Info(ctx, "recovered orphaned indexes", zap.Int("count", recovered))
	}
}
