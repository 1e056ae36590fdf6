package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Start launches the worker pool and the stalled-job checker. Workers run
// until Close is called or ctx is canceled.
func (q *Queue) Start(ctx context.Context, handler Handler) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.config.Concurrency; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.workLoop(runCtx, worker, handler)
		}(i)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.stalledLoop(runCtx, handler)
	}()

	q.logger.Info(ctx, "queue workers started",
		zap.Int("concurrency", q.config.Concurrency),
		zap.Duration("lock_duration", q.config.LockDuration),
	)
}

// Close stops the workers and waits for in-flight jobs to finish their
// current attempt.
func (q *Queue) Close() {
	q.runMu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	q.wg.Wait()
}

// workLoop claims and processes jobs until the context ends.
func (q *Queue) workLoop(ctx context.Context, worker int, handler Handler) {
	logger := q.logger.With(zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(ctx, "claim failed", zap.Error(err))
			}
		} else if job != nil {
			q.processJob(ctx, job, handler)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.config.PollInterval):
		}
	}
}

// processJob runs one attempt with lease renewal, then settles the job.
func (q *Queue) processJob(ctx context.Context, job *Job, handler Handler) {
	logger := q.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)

	data, err := job.DecodeData()
	if err != nil {
		// A payload that cannot decode will never succeed.
		logger.Error(ctx, "job payload undecodable", zap.Error(err))
		q.settleFailure(ctx, job, err, handler, false)
		return
	}

	renewCtx, stopRenewal := context.WithCancel(ctx)
	var renewDone sync.WaitGroup
	renewDone.Add(1)
	go func() {
		defer renewDone.Done()
		q.renewLoop(renewCtx, job.ID)
	}()

	start := time.Now()
	processErr := handler.OnProcess(ctx, data)
	stopRenewal()
	renewDone.Wait()

	if processErr == nil {
		if err := q.complete(ctx, job.ID); err != nil {
			logger.Error(ctx, "failed to mark job completed", zap.Error(err))
		}
		jobsProcessed.WithLabelValues("completed").Inc()
		jobDuration.Observe(time.Since(start).Seconds())
		logger.Info(ctx, "job completed", zap.Duration("elapsed", time.Since(start)))
		return
	}

	logger.Warn(ctx, "job attempt failed",
		zap.Error(processErr),
		zap.Duration("elapsed", time.Since(start)),
	)
	q.settleFailure(ctx, job, processErr, handler, job.Attempts < job.MaxAttempts)
}

// settleFailure either schedules a retry or finishes the job as failed.
func (q *Queue) settleFailure(ctx context.Context, job *Job, cause error, handler Handler, retryable bool) {
	if retryable {
		if err := q.retryLater(ctx, job, cause); err != nil {
			q.logger.Error(ctx, "failed to schedule retry",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		jobsProcessed.WithLabelValues("retried").Inc()
		handler.OnRetry(ctx, job.ID, job.Attempts, cause)
		return
	}

	if err := q.markFailed(ctx, job.ID, cause); err != nil {
		q.logger.Error(ctx, "failed to mark job failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	jobsProcessed.WithLabelValues("failed").Inc()
	handler.OnFailed(ctx, job.ID, cause)
}

// renewLoop extends the job lease at a third of its duration so a healthy
// worker never lets it expire.
func (q *Queue) renewLoop(ctx context.Context, jobID string) {
	interval := q.config.LockDuration / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.renewLease(ctx, jobID); err != nil && ctx.Err() == nil {
				q.logger.Warn(ctx, "lease renewal failed",
					zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

// stalledLoop periodically reclaims active jobs whose lease expired.
func (q *Queue) stalledLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.config.StalledCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.reclaimStalled(ctx, handler); err != nil && ctx.Err() == nil {
				q.logger.Error(ctx, "stalled check failed", zap.Error(err))
			}
		}
	}
}

// reclaimStalled moves lease-expired jobs back to waiting, or fails them
// once they exceed the stall budget. The claim attempt that stalled is
// refunded; stalls are budgeted by stalled_count, not attempts.
func (q *Queue) reclaimStalled(ctx context.Context, handler Handler) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning stalled-check transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var stalled []*Job
	err = tx.SelectContext(ctx, &stalled,
		`SELECT * FROM index_jobs
		 WHERE status = 'active' AND locked_until < now()
		 FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return fmt.Errorf("finding stalled jobs: %w", err)
	}

	type outcome struct {
		id     string
		failed bool
	}
	outcomes := make([]outcome, 0, len(stalled))

	for _, job := range stalled {
		if job.StalledCount+1 > q.config.MaxStalledCount {
			_, err = tx.ExecContext(ctx,
				`UPDATE index_jobs
				 SET status = 'failed', locked_until = NULL,
				     last_error = 'job stalled more than allowable limit',
				     finished_at = now(), updated_at = now()
				 WHERE id = $1`, job.ID)
			if err != nil {
				return fmt.Errorf("failing stalled job %s: %w", job.ID, err)
			}
			outcomes = append(outcomes, outcome{id: job.ID, failed: true})
			continue
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE index_jobs
			 SET status = 'waiting', locked_until = NULL,
			     stalled_count = stalled_count + 1,
			     attempts = GREATEST(attempts - 1, 0),
			     available_at = now(), updated_at = now()
			 WHERE id = $1`, job.ID)
		if err != nil {
			return fmt.Errorf("requeueing stalled job %s: %w", job.ID, err)
		}
		outcomes = append(outcomes, outcome{id: job.ID})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stalled check: %w", err)
	}

	for _, o := range outcomes {
		jobsProcessed.WithLabelValues("stalled").Inc()
		if o.failed {
			q.logger.Error(ctx, "job exceeded stall budget", zap.String("job_id", o.id))
			handler.OnFailed(ctx, o.id, fmt.Errorf("job stalled more than allowable limit"))
		} else {
			q.logger.Warn(ctx, "stalled job requeued", zap.String("job_id", o.id))
			handler.OnStalled(ctx, o.id)
		}
	}
	return nil
}
