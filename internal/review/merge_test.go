package review

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/obslog"
	"github.com/nickmisasi/orchestrator-core/internal/store"
	"github.com/nickmisasi/orchestrator-core/internal/tasks"
)

type fakeMerger struct {
	commitSHA   string
	err         error
	sawDeadline bool
}

func (f *fakeMerger) Merge(ctx context.Context, job domain.MergeJob) (string, error) {
	_, f.sawDeadline = ctx.Deadline()
	return f.commitSHA, f.err
}

func newTestMergeWorker(t *testing.T, merger Merger, jobTimeout time.Duration) (*MergeWorker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	storeDB := &store.DB{DB: sqlxDB}
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	taskEngine := tasks.New(storeDB, nil, fixed, "", 50)
	log := obslog.New("test", "error")
	w := NewMergeWorker(storeDB, taskEngine, merger, fixed, log, jobTimeout)
	return w, mock
}

// newTestWorkerWithCoordinator wires a MergeWorker and a Coordinator against
// the same mocked store, as cmd/orchestratord/serve.go does — ReconcileStuck
// requeues through the Coordinator, not the worker's own tables.
func newTestWorkerWithCoordinator(t *testing.T, merger Merger) (*MergeWorker, *Coordinator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	storeDB := &store.DB{DB: sqlxDB}
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	taskEngine := tasks.New(storeDB, nil, fixed, "", 50)
	log := obslog.New("test", "error")
	w := NewMergeWorker(storeDB, taskEngine, merger, fixed, log, 0)
	c := New(storeDB, taskEngine, nil, nil, fixed)
	return w, c, mock
}

func taskRow(status domain.TaskStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "team_id", "title", "description", "status", "priority", "dri_agent_id",
		"assignee_id", "depends_on", "repo_ids", "tags", "branch", "metadata",
		"created_at", "updated_at", "completed_at",
	}).AddRow(1, "team-1", "Task", "", status, domain.PriorityMedium, nil,
		"agent-1", "{}", "{}", "{}", "task-1", []byte("{}"), time.Now(), time.Now(), nil)
}

func TestClaimNextRunsMergeAndCompletesTask(t *testing.T) {
	merger := &fakeMerger{commitSHA: "abc123"}
	w, mock := newTestMergeWorker(t, merger, time.Minute)
	m := metrics.New(prometheus.NewRegistry())
	w.SetMetrics(m)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM merge_jobs WHERE status").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "repository_id", "status", "strategy", "merge_commit", "error", "created_at", "updated_at",
		}).AddRow(9, 1, "repo-1", domain.MergeQueued, domain.StrategySquash, nil, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE merge_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE merge_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(taskRow(domain.StatusMerging))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	claimed, err := w.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, merger.sawDeadline)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MergeOutcomes.WithLabelValues(string(domain.MergeSuccess))))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextReturnsFalseWhenQueueEmpty(t *testing.T) {
	w, mock := newTestMergeWorker(t, &fakeMerger{}, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM merge_jobs WHERE status").WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	claimed, err := w.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRevertsTaskOnMergeFailure(t *testing.T) {
	merger := &fakeMerger{err: errors.New("merge conflict")}
	w, mock := newTestMergeWorker(t, merger, 0)
	m := metrics.New(prometheus.NewRegistry())
	w.SetMetrics(m)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM merge_jobs WHERE status").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "repository_id", "status", "strategy", "merge_commit", "error", "created_at", "updated_at",
		}).AddRow(9, 1, "repo-1", domain.MergeQueued, domain.StrategySquash, nil, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE merge_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE merge_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(taskRow(domain.StatusMerging))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	claimed, err := w.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.False(t, merger.sawDeadline)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MergeOutcomes.WithLabelValues(string(domain.MergeFailed))))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileStuckRequeuesTaskWithNoMergeJob(t *testing.T) {
	w, c, mock := newTestWorkerWithCoordinator(t, &fakeMerger{})

	mock.ExpectQuery("SELECT t.id, t.repo_ids FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "repo_ids"}).AddRow(int64(42), "{repo-1,repo-2}"))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO merge_jobs").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "repository_id", "status", "strategy", "merge_commit", "error", "created_at", "updated_at",
		}).AddRow(1, 42, "repo-1", domain.MergeQueued, domain.StrategySquash, nil, nil, time.Now(), time.Now()))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO merge_jobs").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "repository_id", "status", "strategy", "merge_commit", "error", "created_at", "updated_at",
		}).AddRow(2, 42, "repo-2", domain.MergeQueued, domain.StrategySquash, nil, nil, time.Now(), time.Now()))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	reconciled, err := w.ReconcileStuck(context.Background(), domain.StrategySquash, c)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, reconciled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileStuckSkipsTaskWithNoRepos(t *testing.T) {
	w, c, mock := newTestWorkerWithCoordinator(t, &fakeMerger{})

	mock.ExpectQuery("SELECT t.id, t.repo_ids FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "repo_ids"}).AddRow(int64(7), "{}"))

	reconciled, err := w.ReconcileStuck(context.Background(), domain.StrategySquash, c)
	require.NoError(t, err)
	assert.Empty(t, reconciled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

