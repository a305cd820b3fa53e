// Package dispatcher implements the Dispatcher (spec §4.4): it converts
// arriving new_message / human_request_resolved notifications into
// bounded-parallelism agent turns, with per-agent in-flight coalescing and a
// fallback poll so a lost notification is never fatal. It also subscribes
// to task_status_changed, but that handler starts no turn.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nickmisasi/orchestrator-core/internal/messages"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	pgn "github.com/nickmisasi/orchestrator-core/internal/pgnotify"
)

// Runner executes one agent turn: process everything currently pending in
// the agent's inbox. Implementations call back into messages.Bus to
// process/mark messages and into ledger/contracts as needed; the
// Dispatcher itself never looks inside a turn.
type Runner interface {
	RunTurn(ctx context.Context, agentID string) error
}

// Dispatcher owns the bounded worker pool, per-agent coalescing, and the
// fallback poll.
type Dispatcher struct {
	bus     *messages.Bus
	runner  Runner
	sub     *pgn.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger

	maxConcurrent    int
	fallbackInterval string
	turnTimeout      time.Duration
	shutdownGrace    time.Duration

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
	pending  map[string]bool

	wg                  sync.WaitGroup
	cron                *cron.Cron
	listAgentsWithInbox func(ctx context.Context) ([]string, error)
}

// Config bundles the Dispatcher's tunables (spec §6's dispatcher.* keys).
type Config struct {
	MaxConcurrentTurns int
	FallbackPollCron   string // e.g. "@every 30s"
	TurnTimeout        time.Duration
	ShutdownGrace      time.Duration
}

// New constructs a Dispatcher. listAgentsWithInbox enumerates agents with
// unprocessed inbox — the fallback poll's source of truth. It need not
// exclude agents with a turn in flight; dispatch coalesces those.
func New(bus *messages.Bus, runner Runner, sub *pgn.Bus, m *metrics.Metrics, log zerolog.Logger, cfg Config, listAgentsWithInbox func(ctx context.Context) ([]string, error)) *Dispatcher {
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 32
	}
	return &Dispatcher{
		bus:                 bus,
		runner:              runner,
		sub:                 sub,
		metrics:             m,
		log:                 log,
		maxConcurrent:       cfg.MaxConcurrentTurns,
		fallbackInterval:    cfg.FallbackPollCron,
		turnTimeout:         cfg.TurnTimeout,
		shutdownGrace:       cfg.ShutdownGrace,
		sem:                 make(chan struct{}, cfg.MaxConcurrentTurns),
		inFlight:            make(map[string]bool),
		pending:             make(map[string]bool),
		listAgentsWithInbox: listAgentsWithInbox,
	}
}

// Start subscribes to the three notification channels and begins the
// fallback poll. Must be called after sub.Start.
func (d *Dispatcher) Start(ctx context.Context) error {
	handler := func(ctx context.Context, payload json.RawMessage) {
		var env struct {
			RecipientID string `json:"recipient_id"`
			AgentID     string `json:"agent_id"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			d.log.Warn().Err(err).Msg("dispatcher: malformed notification payload")
			return
		}
		agentID := env.RecipientID
		if agentID == "" {
			agentID = env.AgentID
		}
		if agentID == "" {
			return
		}
		d.dispatch(ctx, agentID)
	}

	if err := d.sub.Subscribe(pgn.ChannelNewMessage, handler); err != nil {
		return err
	}
	if err := d.sub.Subscribe(pgn.ChannelHumanRequestResolved, handler); err != nil {
		return err
	}
	if err := d.sub.Subscribe(pgn.ChannelTaskStatusChanged, func(ctx context.Context, payload json.RawMessage) {
		// Task transitions don't name a recipient directly; a fresh
		// fallback poll cycle will pick up any agent newly unblocked by
		// the transition (e.g. a dependency completing).
	}); err != nil {
		return err
	}

	if d.fallbackInterval != "" {
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(d.fallbackInterval, func() { d.pollOnce(ctx) }); err != nil {
			return err
		}
		d.cron.Start()
	}
	return nil
}

// Stop halts the fallback poll and waits up to the configured grace period
// for in-flight turns to finish, returning regardless once it elapses. It
// does not cancel the turns itself; they observe cancellation of the
// context passed to Start.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.shutdownGrace):
		d.log.Warn().Msg("dispatcher: shutdown grace period elapsed with turns still in flight")
	}
}

// dispatch attempts to start a turn for agentID. If a turn is already in
// flight, the attempt is coalesced: the running turn's loop will re-check
// the inbox before exiting, so no second turn is queued (spec §4.4).
func (d *Dispatcher) dispatch(ctx context.Context, agentID string) {
	d.mu.Lock()
	if d.inFlight[agentID] {
		d.pending[agentID] = true
		d.mu.Unlock()
		return
	}
	d.inFlight[agentID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runWorker(ctx, agentID)
}

func (d *Dispatcher) runWorker(ctx context.Context, agentID string) {
	defer d.wg.Done()

	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	for {
		turnCtx := ctx
		var cancel context.CancelFunc
		if d.turnTimeout > 0 {
			turnCtx, cancel = context.WithTimeout(ctx, d.turnTimeout)
		}

		start := time.Now()
		err := d.runner.RunTurn(turnCtx, agentID)
		if cancel != nil {
			cancel()
		}
		if d.metrics != nil {
			d.metrics.DispatcherTurnTime.Observe(time.Since(start).Seconds())
		}

		outcome := "ok"
		if err != nil {
			outcome = "error"
			d.log.Error().Err(err).Str("agent_id", agentID).Msg("dispatcher: turn failed")
		}
		if d.metrics != nil {
			d.metrics.DispatcherTurns.WithLabelValues(outcome).Inc()
		}

		d.mu.Lock()
		if d.pending[agentID] {
			delete(d.pending, agentID)
			d.mu.Unlock()
			continue // re-read the inbox; coalesced notifications arrived mid-turn
		}
		delete(d.inFlight, agentID)
		d.mu.Unlock()
		return
	}
}

// pollOnce is the fallback poll: dispatch any agent with unprocessed inbox
// (spec §4.4). An agent with a turn already in flight is coalesced into it.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	agentIDs, err := d.listAgentsWithInbox(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("dispatcher: fallback poll failed")
		return
	}
	for _, agentID := range agentIDs {
		d.dispatch(ctx, agentID)
	}
}
