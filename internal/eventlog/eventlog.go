// Package eventlog implements the single-writer append-only event log
// (spec §4.1). Append runs inside the caller's transaction so that every
// core mutation and its event record commit or roll back together. There is
// no update or delete statement anywhere in this package — the invariant
// "events are never mutated" holds because no code path exists that could
// violate it.
package eventlog

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
)

// Execer is the subset of *sqlx.Tx / *sqlx.DB this package needs, so Append
// can be called from inside any transaction the business logic already
// holds.
type Execer interface {
	sqlx.ExecerContext
	sqlx.QueryerContext
}

// Append writes one event and returns its assigned (monotonically
// increasing) id. data is marshaled to JSON; pass a value, not a pointer to
// an already-marshaled blob. m may be nil, in which case no counter is
// recorded — tests that don't care about instrumentation can skip it.
func Append(ctx context.Context, ex Execer, streamID, eventType string, data any, meta domain.Metadata, m *metrics.Metrics) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	metaPayload, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}

	var id int64
	row := sqlx.QueryRowxContext(ctx, ex, `
		INSERT INTO events (stream_id, type, data, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, streamID, eventType, payload, metaPayload)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	if m != nil {
		m.EventsAppended.WithLabelValues(eventType).Inc()
	}
	return id, nil
}

// Stream returns events for streamID with id > sinceID, oldest first,
// capped at limit (0 means no limit).
func Stream(ctx context.Context, q sqlx.QueryerContext, streamID string, sinceID int64, limit int) ([]domain.Event, error) {
	query := `
		SELECT id, stream_id, type, data, metadata, created_at
		FROM events
		WHERE stream_id = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{streamID, sinceID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	var events []domain.Event
	if err := sqlx.SelectContext(ctx, q, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// ScanByType returns events of a given type across all streams with id >
// sinceID, oldest first, capped at limit (0 means no limit). Used for
// audit/observability queries, e.g. "every merge.failed this week".
func ScanByType(ctx context.Context, q sqlx.QueryerContext, eventType string, sinceID int64, limit int) ([]domain.Event, error) {
	query := `
		SELECT id, stream_id, type, data, metadata, created_at
		FROM events
		WHERE type = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{eventType, sinceID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	var events []domain.Event
	if err := sqlx.SelectContext(ctx, q, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// TaskStream is the conventional stream id for a task's history.
func TaskStream(taskID int64) string {
	return "task:" + strconv.FormatInt(taskID, 10)
}

// TeamStream is the conventional stream id for a team's history.
func TeamStream(teamID string) string {
	return "team:" + teamID
}

// ReviewStream is the conventional stream id for a review's history.
func ReviewStream(reviewID int64) string {
	return "review:" + strconv.FormatInt(reviewID, 10)
}
