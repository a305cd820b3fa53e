// Package agents is the thin read layer the Dispatcher and cmd/orchestratord
// need against the agents/sessions/tasks/messages tables: which agent has an
// unprocessed inbox, what model and adapter it runs, and what task it is
// currently assigned to. It does not own agent creation or status
// transitions — the Task Engine, Ledger, and administrative provisioning
// each write their own slice of the agents row within their own
// transaction.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nickmisasi/orchestrator-core/internal/store"
)

// Lookup answers the small set of questions a dispatcher turn needs about
// an agent, backed directly by the store.
type Lookup struct {
	db *store.DB
}

// New constructs a Lookup.
func New(db *store.DB) *Lookup {
	return &Lookup{db: db}
}

// WorktreePath resolves the working directory a turn should run in.
// Worktree provisioning itself is a GitService concern (spec §6's
// explicit non-goal for this module); a deployment's AdapterRegistry
// implementation is expected to call GitService.CreateWorktree against the
// agent's current task/repo and is free to ignore this value.
func (l *Lookup) WorktreePath(ctx context.Context, agentID string) (string, error) {
	return "", nil
}

// Model resolves the model an agent's sessions should be billed against.
// Sessions carry their own model at StartSession time; this is the fallback
// used to open a new one. An agent with no prior session returns "" — the
// caller's AdapterRegistry is expected to fall back to a configured default.
func (l *Lookup) Model(ctx context.Context, agentID string) (string, error) {
	var model string
	err := l.db.GetContext(ctx, &model, `
		SELECT model FROM sessions WHERE agent_id = $1 ORDER BY started_at DESC LIMIT 1
	`, agentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("agents: model: %w", err)
	}
	return model, nil
}

// Adapter resolves the external runner tag configured for an agent.
func (l *Lookup) Adapter(ctx context.Context, agentID string) (string, error) {
	var adapter string
	if err := l.db.GetContext(ctx, &adapter, `SELECT adapter FROM agents WHERE id = $1`, agentID); err != nil {
		return "", fmt.Errorf("agents: adapter: %w", err)
	}
	return adapter, nil
}

// CurrentTaskID resolves the task currently assigned to an agent, if any —
// the per-task budget cap is checked against this task's spend when a turn
// opens a session. An agent with no current assignment returns nil.
func (l *Lookup) CurrentTaskID(ctx context.Context, agentID string) (*int64, error) {
	var id int64
	err := l.db.GetContext(ctx, &id, `
		SELECT id FROM tasks
		WHERE assignee_id = $1 AND status NOT IN ('done', 'cancelled')
		ORDER BY updated_at DESC LIMIT 1
	`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agents: current task: %w", err)
	}
	return &id, nil
}

// WithUnprocessedInbox lists every distinct recipient agent with at least
// one unprocessed message — the Dispatcher's fallback-poll source of truth.
func WithUnprocessedInbox(ctx context.Context, db *store.DB) ([]string, error) {
	var ids []string
	if err := db.SelectContext(ctx, &ids, `
		SELECT DISTINCT recipient_id FROM messages
		WHERE processed_at IS NULL AND recipient_type = 'agent'
	`); err != nil {
		return nil, fmt.Errorf("agents: unprocessed inbox scan: %w", err)
	}
	return ids, nil
}
