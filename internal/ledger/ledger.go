// Package ledger implements the Session & Cost Ledger (spec §4.7): per-agent
// work-unit tracking, fixed-point cost accounting against a per-model price
// schedule, and budget enforcement before a new session may open.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/eventlog"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

const selectSessionColumns = `
	SELECT id, agent_id, task_id, model, started_at, ended_at,
	       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost, error`

// Ledger owns the sessions table and the team/task budget checks gating
// StartSession.
type Ledger struct {
	db      *store.DB
	prices  *PriceSchedule
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New constructs a Session & Cost Ledger.
func New(db *store.DB, prices *PriceSchedule, c clock.Clock) *Ledger {
	return &Ledger{db: db, prices: prices, clock: c}
}

// SetMetrics attaches the Prometheus instrumentation. Optional.
func (l *Ledger) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// BudgetStatus is CheckBudget's return value.
type BudgetStatus struct {
	DailyCap    *decimal.Decimal
	DailySpend  decimal.Decimal
	TaskCap     *decimal.Decimal
	TaskSpend   decimal.Decimal
	OverBudget  bool
}

// CheckBudget computes the agent's team daily spend and (if taskID is set)
// the task's spend, comparing each to its configured cap. Non-mutating.
func (l *Ledger) CheckBudget(ctx context.Context, agentID string, taskID *int64, dailyCap, perTaskCap *decimal.Decimal) (*BudgetStatus, error) {
	now := l.clock.Now()
	since := now.Add(-24 * time.Hour)

	var dailySpend decimal.Decimal
	if err := l.db.GetContext(ctx, &dailySpend, `
		SELECT COALESCE(SUM(cost), 0) FROM sessions WHERE agent_id IN (
			SELECT id FROM agents WHERE team_id = (SELECT team_id FROM agents WHERE id = $1)
		) AND started_at >= $2
	`, agentID, since); err != nil {
		return nil, fmt.Errorf("ledger: daily spend: %w", err)
	}

	status := &BudgetStatus{DailyCap: dailyCap, DailySpend: dailySpend}
	if dailyCap != nil && dailySpend.GreaterThanOrEqual(*dailyCap) {
		status.OverBudget = true
	}

	if taskID != nil {
		var taskSpend decimal.Decimal
		if err := l.db.GetContext(ctx, &taskSpend, `
			SELECT COALESCE(SUM(cost), 0) FROM sessions WHERE task_id = $1
		`, *taskID); err != nil {
			return nil, fmt.Errorf("ledger: task spend: %w", err)
		}
		status.TaskCap = perTaskCap
		status.TaskSpend = taskSpend
		if perTaskCap != nil && taskSpend.GreaterThanOrEqual(*perTaskCap) {
			status.OverBudget = true
		}
	}

	return status, nil
}

// StartInput is the payload for StartSession.
type StartInput struct {
	AgentID    string
	TaskID     *int64
	Model      string
	DailyCap   *decimal.Decimal
	PerTaskCap *decimal.Decimal
}

// StartSession opens a session if the agent's team daily spend and the
// task's spend (if any) are both under their configured caps; refuses with
// BudgetExceeded otherwise. Enforces at most one open session per agent via
// a row lock on any existing open session for that agent.
func (l *Ledger) StartSession(ctx context.Context, in StartInput) (*domain.Session, error) {
	status, err := l.CheckBudget(ctx, in.AgentID, in.TaskID, in.DailyCap, in.PerTaskCap)
	if err != nil {
		return nil, err
	}
	if status.OverBudget {
		capKind := "daily"
		if status.TaskCap != nil && status.TaskSpend.GreaterThanOrEqual(*status.TaskCap) {
			capKind = "per_task"
		}
		if l.metrics != nil {
			l.metrics.BudgetRefusals.WithLabelValues(capKind).Inc()
		}
		if _, err := eventlog.Append(ctx, l.db, eventlog.TeamStream(in.AgentID), domain.EventAgentBudgetExceed, map[string]any{
			"agentId": in.AgentID, "taskId": in.TaskID, "capKind": capKind,
		}, domain.Metadata{ActorID: in.AgentID}, l.metrics); err != nil {
			return nil, fmt.Errorf("ledger: record budget exceeded: %w", err)
		}
		budgetErr := orcherr.New(orcherr.BudgetExceeded, fmt.Sprintf("agent %s has no remaining budget", in.AgentID))
		budgetErr.WithDetail("dailySpend", status.DailySpend.String())
		budgetErr.WithDetail("taskSpend", status.TaskSpend.String())
		return nil, budgetErr
	}

	var session domain.Session
	err = l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var openCount int
		if err := tx.GetContext(ctx, &openCount, `
			SELECT COUNT(*) FROM (
				SELECT 1 FROM sessions WHERE agent_id = $1 AND ended_at IS NULL FOR UPDATE
			) open_sessions
		`, in.AgentID); err != nil {
			return fmt.Errorf("ledger: check open session: %w", err)
		}
		if openCount > 0 {
			return orcherr.Conflictf("agent %s already has an open session", in.AgentID)
		}

		now := l.clock.Now()
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO sessions (agent_id, task_id, model, started_at, cost)
			VALUES ($1, $2, $3, $4, 0)
			RETURNING id, agent_id, task_id, model, started_at, ended_at, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost, error
		`, in.AgentID, in.TaskID, in.Model, now)
		if err := row.StructScan(&session); err != nil {
			return fmt.Errorf("ledger: start session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3`,
			domain.AgentWorking, now, in.AgentID); err != nil {
			return fmt.Errorf("ledger: set agent working: %w", err)
		}

		_, err := eventlog.Append(ctx, tx, eventlog.TeamStream(in.AgentID), domain.EventSessionStarted, session, domain.Metadata{ActorID: in.AgentID}, l.metrics)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// RecordUsage adds non-negative token deltas to the session's running
// counters, recomputes cost from the price schedule, and appends
// session.usage_recorded. A model with no configured price contributes zero
// cost and emits cost.unknown_model rather than failing.
func (l *Ledger) RecordUsage(ctx context.Context, sessionID int64, inputTokens, outputTokens, cacheRead, cacheWrite int64) (*domain.Session, error) {
	inputTokens = clampNonNegative(inputTokens)
	outputTokens = clampNonNegative(outputTokens)
	cacheRead = clampNonNegative(cacheRead)
	cacheWrite = clampNonNegative(cacheWrite)

	var session domain.Session
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, selectSessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID)
		if err := row.StructScan(&session); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return orcherr.NotFoundf("session %d not found", sessionID)
			}
			return fmt.Errorf("ledger: lock session: %w", err)
		}
		if !session.IsOpen() {
			return orcherr.Conflictf("session %d is already ended", sessionID)
		}

		session.InputTokens += inputTokens
		session.OutputTokens += outputTokens
		session.CacheRead += cacheRead
		session.CacheWrite += cacheWrite

		deltaCost, known := l.prices.Cost(session.Model, inputTokens, outputTokens, cacheRead, cacheWrite)
		session.Cost = session.Cost.Add(deltaCost)

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET input_tokens = $1, output_tokens = $2, cache_read_tokens = $3, cache_write_tokens = $4, cost = $5
			WHERE id = $6
		`, session.InputTokens, session.OutputTokens, session.CacheRead, session.CacheWrite, session.Cost, sessionID); err != nil {
			return fmt.Errorf("ledger: record usage: %w", err)
		}

		if _, err := eventlog.Append(ctx, tx, eventlog.TeamStream(session.AgentID), domain.EventSessionUsage, session, domain.Metadata{}, l.metrics); err != nil {
			return err
		}

		if !known {
			if _, err := eventlog.Append(ctx, tx, eventlog.TeamStream(session.AgentID), domain.EventCostUnknownModel, map[string]any{
				"sessionId": sessionID, "model": session.Model,
			}, domain.Metadata{}, l.metrics); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// EndSession closes a session, restoring the agent's status to idle (or
// error if errMsg is non-empty).
func (l *Ledger) EndSession(ctx context.Context, sessionID int64, errMsg string) (*domain.Session, error) {
	var session domain.Session
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, selectSessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID)
		if err := row.StructScan(&session); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return orcherr.NotFoundf("session %d not found", sessionID)
			}
			return fmt.Errorf("ledger: lock session: %w", err)
		}
		if !session.IsOpen() {
			return nil
		}

		now := l.clock.Now()
		var errPtr *string
		if errMsg != "" {
			errPtr = &errMsg
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = $1, error = $2 WHERE id = $3`, now, errPtr, sessionID); err != nil {
			return fmt.Errorf("ledger: end session: %w", err)
		}
		session.EndedAt = &now
		session.Error = errPtr

		agentStatus := domain.AgentIdle
		if errMsg != "" {
			agentStatus = domain.AgentError
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3`,
			agentStatus, now, session.AgentID); err != nil {
			return fmt.Errorf("ledger: restore agent status: %w", err)
		}

		_, err := eventlog.Append(ctx, tx, eventlog.TeamStream(session.AgentID), domain.EventSessionEnded, session, domain.Metadata{}, l.metrics)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
