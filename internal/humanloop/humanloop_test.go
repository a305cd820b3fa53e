package humanloop

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

func newTestLoop(t *testing.T) (*Loop, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	loop := New(&store.DB{DB: sqlxDB}, nil, fixed, zerolog.Nop())
	return loop, mock
}

func requestRows(req domain.HumanRequest) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "team_id", "agent_id", "task_id", "kind", "question", "options", "status",
		"response", "responder", "timeout_at", "created_at", "resolved_at",
	}).AddRow(
		req.ID, req.TeamID, req.AgentID, req.TaskID, req.Kind, req.Question, "{}", req.Status,
		req.Response, req.Responder, req.TimeoutAt, req.CreatedAt, req.ResolvedAt,
	)
}

func TestLoopRespondResolvesPendingRequest(t *testing.T) {
	loop, mock := newTestLoop(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(requestRows(domain.HumanRequest{
			ID: 1, TeamID: "team-1", AgentID: "agent-1", Kind: domain.KindQuestion,
			Question: "which approach?", Status: domain.RequestPending,
		}))
	mock.ExpectExec("UPDATE human_requests SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	req, err := loop.Respond(context.Background(), 1, "option A", "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestResolved, req.Status)
	assert.Equal(t, "option A", *req.Response)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoopRespondRejectsAlreadyResolved(t *testing.T) {
	loop, mock := newTestLoop(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(requestRows(domain.HumanRequest{
			ID: 2, TeamID: "team-1", AgentID: "agent-1", Kind: domain.KindApproval,
			Question: "ok to deploy?", Status: domain.RequestResolved,
		}))
	mock.ExpectRollback()

	_, err := loop.Respond(context.Background(), 2, "yes", "user-1")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.Conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoopExpireIsIdempotent(t *testing.T) {
	loop, mock := newTestLoop(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(requestRows(domain.HumanRequest{
			ID: 3, TeamID: "team-1", AgentID: "agent-1", Kind: domain.KindQuestion,
			Question: "q", Status: domain.RequestExpired,
		}))
	mock.ExpectCommit()

	err := loop.Expire(context.Background(), 3)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
