package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/config"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

func newTestLedger(t *testing.T, prices map[string]config.ModelPrice) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	led := New(&store.DB{DB: sqlxDB}, NewPriceSchedule(prices), fixed)
	return led, mock
}

func TestPriceScheduleRoundsUp(t *testing.T) {
	sched := NewPriceSchedule(map[string]config.ModelPrice{
		"gpt": {Input: "3.00", Output: "15.00"},
	})
	cost, known := sched.Cost("gpt", 1, 0, 0, 0)
	require.True(t, known)
	assert.True(t, cost.GreaterThan(decimal.Zero))
	assert.Equal(t, int32(6), cost.Exponent()*-1)
}

func TestPriceScheduleUnknownModelIsZero(t *testing.T) {
	sched := NewPriceSchedule(map[string]config.ModelPrice{})
	cost, known := sched.Cost("mystery", 1000, 1000, 0, 0)
	assert.False(t, known)
	assert.True(t, cost.IsZero())
}

func TestStartSessionRefusesOverDailyCap(t *testing.T) {
	led, mock := newTestLedger(t, nil)
	m := metrics.New(prometheus.NewRegistry())
	led.SetMetrics(m)

	mock.ExpectQuery("SELECT COALESCE.SUM.cost., 0. FROM sessions WHERE agent_id").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("10.000000"))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	cap := decimal.NewFromInt(10)
	_, err := led.StartSession(context.Background(), StartInput{
		AgentID:  "agent-1",
		Model:    "gpt",
		DailyCap: &cap,
	})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.BudgetExceeded))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BudgetRefusals.WithLabelValues("daily")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartSessionOpensWhenUnderCap(t *testing.T) {
	led, mock := newTestLedger(t, nil)

	mock.ExpectQuery("SELECT COALESCE.SUM.cost., 0. FROM sessions WHERE agent_id").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("1.000000"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO sessions").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "agent_id", "task_id", "model", "started_at", "ended_at",
			"input_tokens", "output_tokens", "cache_read_tokens", "cache_write_tokens", "cost", "error",
		}).AddRow(1, "agent-1", nil, "gpt", time.Now(), nil, 0, 0, 0, 0, "0.000000", nil))
	mock.ExpectExec("UPDATE agents SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	cap := decimal.NewFromInt(10)
	session, err := led.StartSession(context.Background(), StartInput{
		AgentID:  "agent-1",
		Model:    "gpt",
		DailyCap: &cap,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
