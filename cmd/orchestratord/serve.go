package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nickmisasi/orchestrator-core/internal/agents"
	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/config"
	"github.com/nickmisasi/orchestrator-core/internal/contracts"
	"github.com/nickmisasi/orchestrator-core/internal/dispatcher"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/humanloop"
	"github.com/nickmisasi/orchestrator-core/internal/ledger"
	"github.com/nickmisasi/orchestrator-core/internal/messages"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/obslog"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	pgn "github.com/nickmisasi/orchestrator-core/internal/pgnotify"
	"github.com/nickmisasi/orchestrator-core/internal/review"
	"github.com/nickmisasi/orchestrator-core/internal/store"
	"github.com/nickmisasi/orchestrator-core/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, human-loop poller, and merge worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := obslog.New("orchestratord", cfg.LogLevel)
	log.Info().Msg("orchestratord starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	notifyBus := pgn.New(cfg.DatabaseURL, log)

	realClock := clock.Real()
	taskEngine := tasks.New(db, notifyBus, realClock, cfg.Branching.Prefix, cfg.Branching.SlugMaxLength)
	taskEngine.SetMetrics(m)
	msgBus := messages.New(db, notifyBus, realClock)
	msgBus.SetMetrics(m)
	hitl := humanloop.New(db, notifyBus, realClock, log)
	hitl.SetMetrics(m)
	prices := ledger.NewPriceSchedule(cfg.Prices)
	costLedger := ledger.New(db, prices, realClock)
	costLedger.SetMetrics(m)

	merger := unconfiguredMerger{}
	mergeWorker := review.NewMergeWorker(db, taskEngine, merger, realClock, log, cfg.Merge.JobTimeout())
	mergeWorker.SetMetrics(m)

	reviewCoordinator := review.New(db, taskEngine, msgBus, notifyBus, realClock)
	reviewCoordinator.SetMetrics(m)

	dailyCap, err := cfg.Budgets.DailyCap()
	if err != nil {
		return fmt.Errorf("parsing budgets.team_daily_cap: %w", err)
	}
	perTaskCap, err := cfg.Budgets.PerTaskCap()
	if err != nil {
		return fmt.Errorf("parsing budgets.per_task_cap: %w", err)
	}

	lookup := agents.New(db)
	adapterRegistry := unconfiguredAdapterRegistry{}
	runner := dispatcher.NewAgentTurnRunner(msgBus, adapterRegistry, costLedger, lookup, log, dailyCap, perTaskCap)

	disp := dispatcher.New(msgBus, runner, notifyBus, m, log, dispatcher.Config{
		MaxConcurrentTurns: cfg.Dispatcher.MaxConcurrentTurns,
		FallbackPollCron:   fmt.Sprintf("@every %ds", cfg.Dispatcher.FallbackPollIntervalSecs),
		TurnTimeout:        cfg.Dispatcher.TurnTimeout(),
		ShutdownGrace:      cfg.Dispatcher.ShutdownGrace(),
	}, func(ctx context.Context) ([]string, error) {
		return agents.WithUnprocessedInbox(ctx, db)
	})

	if err := notifyBus.Start(ctx); err != nil {
		return fmt.Errorf("starting notification bus: %w", err)
	}
	defer notifyBus.Close()

	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	if err := hitl.StartExpiryPoller(ctx, fmt.Sprintf("@every %ds", cfg.HumanLoop.ExpiryPollIntervalSecs)); err != nil {
		return fmt.Errorf("starting human-loop expiry poller: %w", err)
	}
	defer hitl.Stop()

	stopMergeLoop := runMergeLoop(ctx, mergeWorker, reviewCoordinator, domain.MergeStrategy(cfg.Merge.DefaultStrategy), cfg.Merge.ReconcileEvery(), log)
	defer stopMergeLoop()

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownGrace())
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	cancel()
	disp.Stop()

	log.Info().Msg("orchestratord stopped")
	return nil
}

// runMergeLoop drives the single-instance merge worker's claim loop until
// ctx is cancelled, piggybacking the stuck-task reconciliation sweep on a
// slower sub-cadence (spec §C.3) so a crash between QueueMergeJobs and
// ClaimNext doesn't strand a task in_approval forever. Returns a stop
// function the caller can defer.
func runMergeLoop(ctx context.Context, w *review.MergeWorker, coordinator *review.Coordinator, strategy domain.MergeStrategy, reconcileEvery time.Duration, log zerolog.Logger) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		reconcileTicker := time.NewTicker(reconcileEvery)
		defer reconcileTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconcileTicker.C:
				reconciled, err := w.ReconcileStuck(ctx, strategy, coordinator)
				if err != nil {
					log.Warn().Err(err).Msg("merge worker: reconcile failed")
					continue
				}
				if len(reconciled) > 0 {
					log.Info().Ints64("task_ids", reconciled).Msg("merge worker: reconciled stuck tasks")
				}
			case <-ticker.C:
				claimed, err := w.ClaimNext(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("merge worker: claim failed")
					continue
				}
				if claimed {
					// Keep draining the queue without waiting for the next tick.
					for {
						more, err := w.ClaimNext(ctx)
						if err != nil || !more {
							break
						}
					}
				}
			}
		}
	}()
	return func() { <-done }
}

// unconfiguredAdapterRegistry reports a clear External error until a
// deployment wires a real AdapterRegistry (spec §6: subprocess launching of
// coding agents is outside this module's scope).
type unconfiguredAdapterRegistry struct{}

func (unconfiguredAdapterRegistry) Run(ctx context.Context, adapter, prompt, worktreePath, model string) (string, contracts.Usage, error) {
	return "", contracts.Usage{}, orcherr.New(orcherr.External, fmt.Sprintf("adapter registry not configured for adapter %q", adapter))
}

// unconfiguredMerger reports a clear External error until a deployment
// wires a real GitService-backed Merger (spec §6: git operations are
// outside this module's scope).
type unconfiguredMerger struct{}

func (unconfiguredMerger) Merge(ctx context.Context, job domain.MergeJob) (string, error) {
	return "", orcherr.New(orcherr.External, fmt.Sprintf("merge service not configured for repo %q", job.RepositoryID))
}
