package tasks

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	eng := New(&store.DB{DB: sqlxDB}, nil, fixed, "", 50)
	return eng, mock
}

func pgInt64Array(vals []int64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func pgStringArray(vals []string) string {
	return "{" + strings.Join(vals, ",") + "}"
}

func taskRows(task domain.Task) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "team_id", "title", "description", "status", "priority", "dri_agent_id",
		"assignee_id", "depends_on", "repo_ids", "tags", "branch", "metadata",
		"created_at", "updated_at", "completed_at",
	}).AddRow(
		task.ID, task.TeamID, task.Title, task.Description, task.Status, task.Priority, task.DRI,
		task.AssigneeID, pgInt64Array(task.DependsOn), pgStringArray(task.RepoIDs), pgStringArray(task.Tags),
		task.Branch, []byte("{}"), task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	)
}

func TestEngineCreate(t *testing.T) {
	eng, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(taskRows(domain.Task{
			ID: 1, TeamID: "team-1", Title: "Add login form", Status: domain.StatusTodo, Priority: domain.PriorityMedium,
		}))
	mock.ExpectExec("UPDATE tasks SET branch").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	task, err := eng.Create(context.Background(), CreateInput{
		TeamID: "team-1",
		Title:  "Add login form",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.ID)
	assert.Equal(t, "task-1-add-login-form", task.Branch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineCreateRejectsEmptyTitle(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Create(context.Background(), CreateInput{TeamID: "team-1", Title: ""})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.Validation))
}

func TestEngineChangeStatusRejectsInvalidTransition(t *testing.T) {
	eng, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(taskRows(domain.Task{
			ID: 5, TeamID: "team-1", Title: "Task", Status: domain.StatusDone, Priority: domain.PriorityMedium,
		}))
	mock.ExpectRollback()

	_, err := eng.ChangeStatus(context.Background(), 5, domain.StatusInProgress, "actor-1")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.Conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineChangeStatusRejectsUnresolvedDependencies(t *testing.T) {
	eng, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(taskRows(domain.Task{
			ID: 6, TeamID: "team-1", Title: "Task", Status: domain.StatusTodo, Priority: domain.PriorityMedium,
			DependsOn: []int64{1, 2},
		}))
	mock.ExpectQuery("SELECT id, status FROM tasks WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow(int64(1), domain.StatusDone).
			AddRow(int64(2), domain.StatusInProgress))
	mock.ExpectRollback()

	_, err := eng.ChangeStatus(context.Background(), 6, domain.StatusInProgress, "actor-1")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.DependenciesUnresolved))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineChangeStatusToDoneSetsCompletedAt(t *testing.T) {
	eng, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(taskRows(domain.Task{
			ID: 9, TeamID: "team-1", Title: "Task", Status: domain.StatusMerging, Priority: domain.PriorityMedium,
		}))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	task, err := eng.ChangeStatus(context.Background(), 9, domain.StatusDone, "actor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
