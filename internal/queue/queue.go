// Package queue is a durable Postgres-backed job queue for index runs.
// Claims use FOR UPDATE SKIP LOCKED so multiple daemon replicas can share
// one queue; active jobs hold a lease (locked_until) that live workers
// renew and the stalled checker reclaims.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// JobStatus is the queue state of a job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// JobData is the payload of an index job. The repo index id doubles as the
// job id, which is what makes AddJob idempotent.
type JobData struct {
	RepoIndexID string `json:"repoIndexId"`
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch"`
}

// Job is one persisted queue entry.
type Job struct {
	ID           string     `db:"id"`
	Data         []byte     `db:"data"`
	Status       JobStatus  `db:"status"`
	Attempts     int        `db:"attempts"`
	MaxAttempts  int        `db:"max_attempts"`
	StalledCount int        `db:"stalled_count"`
	AvailableAt  time.Time  `db:"available_at"`
	LockedUntil  *time.Time `db:"locked_until"`
	LastError    *string    `db:"last_error"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	FinishedAt   *time.Time `db:"finished_at"`
}

// DecodeData unmarshals the job payload.
func (j *Job) DecodeData() (JobData, error) {
	var data JobData
	if err := json.Unmarshal(j.Data, &data); err != nil {
		return JobData{}, fmt.Errorf("decoding job %s payload: %w", j.ID, err)
	}
	return data, nil
}

// Config holds queue tuning.
type Config struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int

	// LockDuration is the lease an active job holds. Workers renew it
	// while processing; expiry marks the job stalled.
	LockDuration time.Duration

	// StalledCheckInterval is how often expired leases are reclaimed.
	StalledCheckInterval time.Duration

	// MaxStalledCount is how many stalls a job survives before failing.
	MaxStalledCount int

	// Attempts is the processing attempt budget per job.
	Attempts int

	// BackoffInitial is the first retry delay, doubled per attempt.
	BackoffInitial time.Duration

	// RemoveOnComplete / RemoveOnFail bound how many finished jobs are
	// retained for inspection.
	RemoveOnComplete int
	RemoveOnFail     int

	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 2
	}
	if c.LockDuration == 0 {
		c.LockDuration = 10 * time.Minute
	}
	if c.StalledCheckInterval == 0 {
		c.StalledCheckInterval = 30 * time.Second
	}
	if c.MaxStalledCount == 0 {
		c.MaxStalledCount = 2
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.RemoveOnComplete == 0 {
		c.RemoveOnComplete = 100
	}
	if c.RemoveOnFail == 0 {
		c.RemoveOnFail = 50
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
}

// Handler receives job lifecycle callbacks. OnProcess does the work; the
// rest keep external state (repo index rows, events) in step with the
// queue's own transitions.
type Handler interface {
	OnProcess(ctx context.Context, data JobData) error
	OnStalled(ctx context.Context, jobID string)
	OnRetry(ctx context.Context, jobID string, attempt int, err error)
	OnFailed(ctx context.Context, jobID string, err error)
}

// Queue is the durable job queue.
type Queue struct {
	db     *sqlx.DB
	config Config
	logger *logging.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a queue over an existing Postgres pool.
func New(db *sqlx.DB, cfg Config, logger *logging.Logger) *Queue {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{db: db, config: cfg, logger: logger.Named("queue")}
}

// AddJob enqueues an index job keyed by data.RepoIndexID. Adding is
// idempotent: a waiting job is left alone, a live active job is left to its
// worker, and finished or orphaned jobs are replaced with a fresh entry.
func (q *Queue) AddJob(ctx context.Context, data JobData) error {
	if data.RepoIndexID == "" {
		return errors.New("queue: job data requires repo index id")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning add-job transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing Job
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM index_jobs WHERE id = $1 FOR UPDATE`, data.RepoIndexID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New job.
	case err != nil:
		return fmt.Errorf("checking existing job %s: %w", data.RepoIndexID, err)
	default:
		switch existing.Status {
		case StatusWaiting:
			return tx.Commit()
		case StatusActive:
			if existing.LockedUntil != nil && existing.LockedUntil.After(time.Now()) {
				// A live worker owns it.
				return tx.Commit()
			}
			// Orphaned by a crashed worker. Replace without consuming
			// the retry budget.
			q.logger.Warn(ctx, "replacing orphaned active job",
				zap.String("job_id", existing.ID),
				zap.Int("attempts", existing.Attempts),
			)
			if _, err := tx.ExecContext(ctx, `DELETE FROM index_jobs WHERE id = $1`, existing.ID); err != nil {
				return fmt.Errorf("removing orphaned job %s: %w", existing.ID, err)
			}
		case StatusCompleted, StatusFailed:
			if _, err := tx.ExecContext(ctx, `DELETE FROM index_jobs WHERE id = $1`, existing.ID); err != nil {
				return fmt.Errorf("removing finished job %s: %w", existing.ID, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO index_jobs (id, data, status, attempts, max_attempts, available_at, created_at, updated_at)
		 VALUES ($1, $2, 'waiting', 0, $3, now(), now(), now())`,
		data.RepoIndexID, payload, q.config.Attempts)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", data.RepoIndexID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing add-job transaction: %w", err)
	}

	q.logger.Info(ctx, "job enqueued", zap.String("job_id", data.RepoIndexID))
	jobsEnqueued.Inc()
	return nil
}

// RemoveJob deletes a job unless a worker is processing it. Removing a
// missing job is a no-op.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM index_jobs WHERE id = $1 AND status <> 'active'`, jobID)
	if err != nil {
		return fmt.Errorf("removing job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		q.logger.Debug(ctx, "job not removed (active or missing)", zap.String("job_id", jobID))
	}
	return nil
}

// GetJob fetches a job by id. Returns nil when absent.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := q.db.GetContext(ctx, &job, `SELECT * FROM index_jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return &job, nil
}

// claim atomically takes the oldest ready job and leases it. Returns nil
// when nothing is ready.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var job Job
	err = tx.GetContext(ctx, &job,
		`SELECT * FROM index_jobs
		 WHERE status = 'waiting' AND available_at <= now()
		 ORDER BY created_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = 'active', attempts = attempts + 1,
		     locked_until = now() + $1::interval, updated_at = now()
		 WHERE id = $2`,
		durationInterval(q.config.LockDuration), job.ID)
	if err != nil {
		return nil, fmt.Errorf("leasing job %s: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.Status = StatusActive
	job.Attempts++
	return &job, nil
}

// renewLease extends the lock of an active job.
func (q *Queue) renewLease(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE index_jobs
		 SET locked_until = now() + $1::interval, updated_at = now()
		 WHERE id = $2 AND status = 'active'`,
		durationInterval(q.config.LockDuration), jobID)
	if err != nil {
		return fmt.Errorf("renewing lease for %s: %w", jobID, err)
	}
	return nil
}

// complete marks a job done and prunes completed jobs beyond retention.
func (q *Queue) complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = 'completed', locked_until = NULL, last_error = NULL,
		     finished_at = now(), updated_at = now()
		 WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	q.pruneFinished(ctx, StatusCompleted, q.config.RemoveOnComplete)
	return nil
}

// retryLater puts a failed attempt back in the waiting state with an
// exponential delay.
func (q *Queue) retryLater(ctx context.Context, job *Job, cause error) error {
	delay := retryDelay(q.config.BackoffInitial, job.Attempts)
	_, err := q.db.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = 'waiting', locked_until = NULL, last_error = $1,
		     available_at = now() + $2::interval, updated_at = now()
		 WHERE id = $3`,
		cause.Error(), durationInterval(delay), job.ID)
	if err != nil {
		return fmt.Errorf("scheduling retry for %s: %w", job.ID, err)
	}
	return nil
}

// markFailed finishes a job as failed and prunes beyond retention.
func (q *Queue) markFailed(ctx context.Context, jobID string, cause error) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = 'failed', locked_until = NULL, last_error = $1,
		     finished_at = now(), updated_at = now()
		 WHERE id = $2`,
		cause.Error(), jobID)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	q.pruneFinished(ctx, StatusFailed, q.config.RemoveOnFail)
	return nil
}

// pruneFinished keeps only the newest n jobs in the given terminal status.
// Retention failures are logged, never propagated.
func (q *Queue) pruneFinished(ctx context.Context, status JobStatus, keep int) {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM index_jobs
		 WHERE status = $1 AND id NOT IN (
		     SELECT id FROM index_jobs
		     WHERE status = $1
		     ORDER BY finished_at DESC NULLS LAST
		     LIMIT $2
		 )`, status, keep)
	if err != nil {
		q.logger.Warn(ctx, "failed to prune finished jobs",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// retryDelay doubles the initial delay per prior attempt: attempt 1 retries
// after initial, attempt 2 after 2x initial, and so on.
func retryDelay(initial time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// durationInterval renders a Go duration as a Postgres interval literal.
func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
