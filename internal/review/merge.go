package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/eventlog"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	"github.com/nickmisasi/orchestrator-core/internal/store"
	"github.com/nickmisasi/orchestrator-core/internal/tasks"
)

const selectMergeJobColumns = `
	SELECT id, task_id, repository_id, status, strategy, merge_commit, error, created_at, updated_at`

// Merger performs the actual repository merge for one job. Left as an
// injected interface — no concrete git implementation ships in this core
// (contracts.GitService describes the same git boundary).
type Merger interface {
	Merge(ctx context.Context, job domain.MergeJob) (commitSHA string, err error)
}

// QueueMergeJobs creates one queued MergeJob per repository the task
// touches and appends merge.queued for each.
func (c *Coordinator) QueueMergeJobs(ctx context.Context, taskID int64, repoIDs []string, strategy domain.MergeStrategy) ([]*domain.MergeJob, error) {
	if len(repoIDs) == 0 {
		return nil, orcherr.Validationf("task %d touches no repositories", taskID)
	}

	jobs := make([]*domain.MergeJob, 0, len(repoIDs))
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := c.clock.Now()
		for _, repoID := range repoIDs {
			var job domain.MergeJob
			row := tx.QueryRowxContext(ctx, `
				INSERT INTO merge_jobs (task_id, repository_id, status, strategy, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)
				RETURNING id, task_id, repository_id, status, strategy, merge_commit, error, created_at, updated_at
			`, taskID, repoID, domain.MergeQueued, strategy, now)
			if err := row.StructScan(&job); err != nil {
				return fmt.Errorf("review: queue merge job: %w", err)
			}
			if _, err := eventlog.Append(ctx, tx, eventlog.TaskStream(taskID), domain.EventMergeQueued, job, domain.Metadata{}, c.metrics); err != nil {
				return err
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MergeWorker is the single-instance background task that claims queued
// merge jobs in id order and drives them to success or failure (spec
// §4.6's merge queue). It processes one job at a time, per spec §7's
// "single cooperatively scheduled task" scheduling rule.
type MergeWorker struct {
	db         *store.DB
	tasks      *tasks.Engine
	merger     Merger
	clock      clock.Clock
	log        zerolog.Logger
	jobTimeout time.Duration
	metrics    *metrics.Metrics
}

// NewMergeWorker constructs a merge worker. jobTimeout bounds a single
// Merger.Merge call; zero means no timeout is applied.
func NewMergeWorker(db *store.DB, taskEngine *tasks.Engine, merger Merger, c clock.Clock, log zerolog.Logger, jobTimeout time.Duration) *MergeWorker {
	return &MergeWorker{db: db, tasks: taskEngine, merger: merger, clock: c, log: log, jobTimeout: jobTimeout}
}

// SetMetrics attaches the Prometheus instrumentation. Optional.
func (w *MergeWorker) SetMetrics(m *metrics.Metrics) { w.metrics = m }

// ClaimNext claims the oldest queued job (by id) and runs it to completion.
// Returns (false, nil) when no job is queued.
func (w *MergeWorker) ClaimNext(ctx context.Context) (bool, error) {
	var job domain.MergeJob
	claimed := false

	err := w.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, selectMergeJobColumns+`
			FROM merge_jobs WHERE status = $1 ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		`, domain.MergeQueued)
		if err := row.StructScan(&job); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("review: claim merge job: %w", err)
		}

		now := w.clock.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE merge_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
			domain.MergeRunning, now, job.ID); err != nil {
			return fmt.Errorf("review: mark running: %w", err)
		}
		job.Status = domain.MergeRunning
		job.UpdatedAt = now

		_, err := eventlog.Append(ctx, tx, eventlog.TaskStream(job.TaskID), domain.EventMergeStarted, job, domain.Metadata{}, w.metrics)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return false, err
	}

	w.run(ctx, job)
	return true, nil
}

func (w *MergeWorker) run(ctx context.Context, job domain.MergeJob) {
	runCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	commitSHA, mergeErr := w.merger.Merge(runCtx, job)

	if mergeErr != nil {
		if err := w.finish(ctx, job, domain.MergeFailed, nil, mergeErr.Error()); err != nil {
			w.log.Error().Err(err).Int64("job_id", job.ID).Msg("review: failed to record merge failure")
			return
		}
		w.recordOutcome(domain.MergeFailed)
		if _, err := w.tasks.ChangeStatus(ctx, job.TaskID, domain.StatusInProgress, "merge-worker"); err != nil {
			w.log.Error().Err(err).Int64("task_id", job.TaskID).Msg("review: failed to revert task after merge failure")
		}
		return
	}

	if err := w.finish(ctx, job, domain.MergeSuccess, &commitSHA, ""); err != nil {
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("review: failed to record merge success")
		return
	}
	w.recordOutcome(domain.MergeSuccess)
	if _, err := w.tasks.ChangeStatus(ctx, job.TaskID, domain.StatusDone, "merge-worker"); err != nil {
		w.log.Error().Err(err).Int64("task_id", job.TaskID).Msg("review: failed to complete task after merge success")
	}
}

func (w *MergeWorker) finish(ctx context.Context, job domain.MergeJob, status domain.MergeJobStatus, commitSHA *string, errMsg string) error {
	return w.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := w.clock.Now()
		var errPtr *string
		if errMsg != "" {
			errPtr = &errMsg
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE merge_jobs SET status = $1, merge_commit = $2, error = $3, updated_at = $4 WHERE id = $5
		`, status, commitSHA, errPtr, now, job.ID); err != nil {
			return fmt.Errorf("review: finish merge job: %w", err)
		}

		eventType := domain.EventMergeCompleted
		if status == domain.MergeFailed {
			eventType = domain.EventMergeFailed
		}
		job.Status = status
		job.MergeCommit = commitSHA
		job.Error = errPtr
		job.UpdatedAt = now
		_, err := eventlog.Append(ctx, tx, eventlog.TaskStream(job.TaskID), eventType, job, domain.Metadata{}, w.metrics)
		return err
	})
}

func (w *MergeWorker) recordOutcome(status domain.MergeJobStatus) {
	if w.metrics != nil {
		w.metrics.MergeOutcomes.WithLabelValues(string(status)).Inc()
	}
}

// ReconcileStuck sweeps tasks stuck in_approval with no queued or running
// merge job — supplemental janitor behavior for deployments where a crash
// or restart dropped a job between QueueMergeJobs and ClaimNext picking it
// up. strategy is the merge strategy used to re-queue a stuck task's jobs.
// Returns the task ids it reconciled by re-queueing their merge jobs.
func (w *MergeWorker) ReconcileStuck(ctx context.Context, strategy domain.MergeStrategy, coordinator *Coordinator) ([]int64, error) {
	rows, err := w.db.QueryxContext(ctx, `
		SELECT t.id, t.repo_ids FROM tasks t
		WHERE t.status = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM merge_jobs m
		      WHERE m.task_id = t.id AND m.status IN ($2, $3)
		  )
	`, domain.StatusInApproval, domain.MergeQueued, domain.MergeRunning)
	if err != nil {
		return nil, fmt.Errorf("review: reconcile scan: %w", err)
	}
	type stuckTask struct {
		id      int64
		repoIDs pq.StringArray
	}
	var stuck []stuckTask
	for rows.Next() {
		var s stuckTask
		if err := rows.Scan(&s.id, &s.repoIDs); err != nil {
			rows.Close()
			return nil, err
		}
		stuck = append(stuck, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reconciled []int64
	for _, s := range stuck {
		if len(s.repoIDs) == 0 {
			continue
		}
		if _, err := coordinator.QueueMergeJobs(ctx, s.id, s.repoIDs, strategy); err != nil {
			w.log.Warn().Err(err).Int64("task_id", s.id).Msg("review: reconcile failed to requeue")
			continue
		}
		reconciled = append(reconciled, s.id)
	}
	return reconciled, nil
}
