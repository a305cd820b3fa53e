package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nickmisasi/orchestrator-core/internal/contracts"
	"github.com/nickmisasi/orchestrator-core/internal/ledger"
	"github.com/nickmisasi/orchestrator-core/internal/messages"
)

// AgentTurnRunner is the default Runner: fetch the unprocessed inbox, open a
// ledger session gated on the configured budget caps, hand the inbox to the
// adapter registry, record token usage against that session, close the
// session (with the run's error, if any), and mark each consumed message
// processed. It deliberately knows nothing about the Dispatcher's
// coalescing — that happens one layer up.
type AgentTurnRunner struct {
	bus        *messages.Bus
	adapters   contracts.AdapterRegistry
	ledger     *ledger.Ledger
	agents     AgentLookup
	log        zerolog.Logger
	dailyCap   *decimal.Decimal
	perTaskCap *decimal.Decimal
}

// AgentLookup resolves an agent id to the data a turn needs to run: its
// model, its adapter tag, its current task, and its worktree path.
type AgentLookup interface {
	WorktreePath(ctx context.Context, agentID string) (string, error)
	CurrentTaskID(ctx context.Context, agentID string) (*int64, error)
	Model(ctx context.Context, agentID string) (string, error)
	Adapter(ctx context.Context, agentID string) (string, error)
}

// NewAgentTurnRunner constructs the default Runner. dailyCap/perTaskCap are
// the configured budget caps (nil means unlimited) checked when a turn
// opens its session.
func NewAgentTurnRunner(bus *messages.Bus, adapters contracts.AdapterRegistry, led *ledger.Ledger, agents AgentLookup, log zerolog.Logger, dailyCap, perTaskCap *decimal.Decimal) *AgentTurnRunner {
	return &AgentTurnRunner{bus: bus, adapters: adapters, ledger: led, agents: agents, log: log, dailyCap: dailyCap, perTaskCap: perTaskCap}
}

// RunTurn implements Runner.
func (r *AgentTurnRunner) RunTurn(ctx context.Context, agentID string) error {
	inbox, err := r.bus.Inbox(ctx, agentID, true, 0)
	if err != nil {
		return fmt.Errorf("turn: load inbox: %w", err)
	}
	if len(inbox) == 0 {
		return nil
	}

	worktree, err := r.agents.WorktreePath(ctx, agentID)
	if err != nil {
		return fmt.Errorf("turn: resolve worktree: %w", err)
	}
	model, err := r.agents.Model(ctx, agentID)
	if err != nil {
		return fmt.Errorf("turn: resolve model: %w", err)
	}
	adapter, err := r.agents.Adapter(ctx, agentID)
	if err != nil {
		return fmt.Errorf("turn: resolve adapter: %w", err)
	}
	taskID, err := r.agents.CurrentTaskID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("turn: resolve current task: %w", err)
	}

	session, err := r.ledger.StartSession(ctx, ledger.StartInput{
		AgentID:    agentID,
		TaskID:     taskID,
		Model:      model,
		DailyCap:   r.dailyCap,
		PerTaskCap: r.perTaskCap,
	})
	if err != nil {
		return fmt.Errorf("turn: start session: %w", err)
	}

	var prompt strings.Builder
	for _, m := range inbox {
		fmt.Fprintf(&prompt, "%s: %s\n", m.SenderID, m.Content)
	}

	_, usage, runErr := r.adapters.Run(ctx, adapter, prompt.String(), worktree, model)

	if _, err := r.ledger.RecordUsage(ctx, session.ID, usage.InputTokens, usage.OutputTokens, usage.CacheRead, usage.CacheWrite); err != nil {
		r.log.Warn().Err(err).Str("agent_id", agentID).Msg("turn: failed to record usage")
	}

	if runErr != nil {
		if _, endErr := r.ledger.EndSession(ctx, session.ID, runErr.Error()); endErr != nil {
			r.log.Warn().Err(endErr).Str("agent_id", agentID).Msg("turn: failed to end session after failure")
		}
		return fmt.Errorf("turn: adapter run: %w", runErr)
	}

	if _, err := r.ledger.EndSession(ctx, session.ID, ""); err != nil {
		r.log.Warn().Err(err).Str("agent_id", agentID).Msg("turn: failed to end session")
	}

	for _, m := range inbox {
		if err := r.bus.MarkProcessed(ctx, m.ID); err != nil {
			r.log.Warn().Err(err).Int64("message_id", m.ID).Msg("turn: failed to mark message processed")
		}
	}
	return nil
}
