// Package humanloop implements the human-in-the-loop request lifecycle
// (spec §4.5): an agent opens a question/approval/review request, a human
// responds or the request times out, and either path publishes
// human_request_resolved so the Dispatcher wakes the waiting agent exactly
// once.
package humanloop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/eventlog"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	pgn "github.com/nickmisasi/orchestrator-core/internal/pgnotify"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

const selectRequestColumns = `
	SELECT id, team_id, agent_id, task_id, kind, question, options, status,
	       response, responder, timeout_at, created_at, resolved_at`

// Loop owns the human_requests table and its expiry poller.
type Loop struct {
	db        *store.DB
	publisher pgn.Publisher
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *metrics.Metrics

	cron    *cron.Cron
	entryID cron.EntryID
}

// New constructs a human-in-the-loop request manager.
func New(db *store.DB, publisher pgn.Publisher, c clock.Clock, log zerolog.Logger) *Loop {
	return &Loop{db: db, publisher: publisher, clock: c, log: log}
}

// SetMetrics attaches the Prometheus instrumentation. Optional.
func (l *Loop) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// CreateInput is the payload for CreateRequest.
type CreateInput struct {
	TeamID    string
	AgentID   string
	TaskID    *int64
	Kind      domain.HumanRequestKind
	Question  string
	Options   []string
	TimeoutAt *time.Time
}

// CreateRequest opens a pending human request and appends
// human_request.created.
func (l *Loop) CreateRequest(ctx context.Context, in CreateInput) (*domain.HumanRequest, error) {
	if in.Question == "" {
		return nil, orcherr.Validationf("question must not be empty")
	}

	var req domain.HumanRequest
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := l.clock.Now()

		row := tx.QueryRowxContext(ctx, `
			INSERT INTO human_requests (team_id, agent_id, task_id, kind, question, options, status, timeout_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, team_id, agent_id, task_id, kind, question, options, status, response, responder, timeout_at, created_at, resolved_at
		`, in.TeamID, in.AgentID, in.TaskID, in.Kind, in.Question, pq.StringArray(in.Options), domain.RequestPending, in.TimeoutAt, now)
		if err := row.StructScan(&req); err != nil {
			return fmt.Errorf("humanloop: insert: %w", err)
		}

		stream := eventlog.TeamStream(in.TeamID)
		if in.TaskID != nil {
			stream = eventlog.TaskStream(*in.TaskID)
		}
		_, err := eventlog.Append(ctx, tx, stream, domain.EventHumanRequestCreate, req, domain.Metadata{ActorID: in.AgentID}, l.metrics)
		return err
	})
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.HumanRequestsOpen.Inc()
	}
	return &req, nil
}

// Get performs an O(1) read-by-id.
func (l *Loop) Get(ctx context.Context, requestID int64) (*domain.HumanRequest, error) {
	var req domain.HumanRequest
	row := l.db.QueryRowxContext(ctx, selectRequestColumns+` FROM human_requests WHERE id = $1`, requestID)
	if err := row.StructScan(&req); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.NotFoundf("human request %d not found", requestID)
		}
		return nil, err
	}
	return &req, nil
}

// Respond resolves a pending request with a human's answer. Responding to
// an already-resolved or expired request is a Conflict.
func (l *Loop) Respond(ctx context.Context, requestID int64, response, responderID string) (*domain.HumanRequest, error) {
	var req domain.HumanRequest
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if existing.Status != domain.RequestPending {
			return orcherr.Conflictf("human request %d is already %s", requestID, existing.Status)
		}

		now := l.clock.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE human_requests SET status = $1, response = $2, responder = $3, resolved_at = $4
			WHERE id = $5
		`, domain.RequestResolved, response, responderID, now, requestID); err != nil {
			return fmt.Errorf("humanloop: respond: %w", err)
		}

		existing.Status = domain.RequestResolved
		existing.Response = &response
		existing.Responder = &responderID
		existing.ResolvedAt = &now
		req = *existing

		return l.publishResolved(ctx, tx, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Expire marks a single pending, timed-out request as expired. Safe to call
// more than once for the same request (no-op once resolved).
func (l *Loop) Expire(ctx context.Context, requestID int64) error {
	return l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if existing.Status != domain.RequestPending {
			return nil
		}

		now := l.clock.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE human_requests SET status = $1, resolved_at = $2 WHERE id = $3
		`, domain.RequestExpired, now, requestID); err != nil {
			return fmt.Errorf("humanloop: expire: %w", err)
		}

		existing.Status = domain.RequestExpired
		existing.ResolvedAt = &now
		return l.publishResolved(ctx, tx, existing)
	})
}

func (l *Loop) publishResolved(ctx context.Context, tx *sqlx.Tx, req *domain.HumanRequest) error {
	stream := eventlog.TeamStream(req.TeamID)
	if req.TaskID != nil {
		stream = eventlog.TaskStream(*req.TaskID)
	}
	eventType := domain.EventHumanRequestResolv
	if req.Status == domain.RequestExpired {
		eventType = domain.EventHumanRequestExpire
	}
	if _, err := eventlog.Append(ctx, tx, stream, eventType, req, domain.Metadata{}, l.metrics); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.HumanRequestsOpen.Dec()
	}
	if l.publisher == nil {
		return nil
	}
	return l.publisher.Publish(ctx, tx, pgn.ChannelHumanRequestResolved, map[string]any{
		"request_id": req.ID,
		"agent_id":   req.AgentID,
		"status":     req.Status,
	})
}

// ExpireDue expires every pending request whose timeout_at has passed. It is
// the fallback path run by the cron poller, and the primary one for a
// deployment with no push-based timer.
func (l *Loop) ExpireDue(ctx context.Context) (int, error) {
	rows, err := l.db.QueryxContext(ctx, `
		SELECT id FROM human_requests WHERE status = $1 AND timeout_at IS NOT NULL AND timeout_at <= $2
	`, domain.RequestPending, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("humanloop: scan due: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		if err := l.Expire(ctx, id); err != nil {
			l.log.Warn().Err(err).Int64("request_id", id).Msg("humanloop: expire failed")
			continue
		}
		count++
	}
	return count, nil
}

// StartExpiryPoller schedules ExpireDue on the given interval via cron's
// @every syntax, matching the fallback-poll pattern used throughout the
// core. Call Stop to halt it.
func (l *Loop) StartExpiryPoller(ctx context.Context, interval string) error {
	l.cron = cron.New()
	id, err := l.cron.AddFunc(interval, func() {
		if _, err := l.ExpireDue(ctx); err != nil {
			l.log.Warn().Err(err).Msg("humanloop: expiry poll failed")
		}
	})
	if err != nil {
		return fmt.Errorf("humanloop: schedule expiry poll: %w", err)
	}
	l.entryID = id
	l.cron.Start()
	return nil
}

// Stop halts the expiry poller.
func (l *Loop) Stop() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

func lockRequest(ctx context.Context, tx *sqlx.Tx, requestID int64) (*domain.HumanRequest, error) {
	var req domain.HumanRequest
	row := tx.QueryRowxContext(ctx, selectRequestColumns+` FROM human_requests WHERE id = $1 FOR UPDATE`, requestID)
	if err := row.StructScan(&req); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.NotFoundf("human request %d not found", requestID)
		}
		return nil, fmt.Errorf("humanloop: lock: %w", err)
	}
	return &req, nil
}
