// Package messages implements the Message Bus (spec §4.3): a per-recipient
// FIFO inbox with explicit seen/processed acknowledgement, backed by a
// commit-bound new_message notification so the Dispatcher never has to poll
// to learn a message landed.
package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/eventlog"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	pgn "github.com/nickmisasi/orchestrator-core/internal/pgnotify"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

const selectMessageColumns = `
	SELECT id, team_id, sender_id, sender_type, recipient_id, recipient_type,
	       task_id, content, delivered_at, seen_at, processed_at`

// Bus owns the messages table.
type Bus struct {
	db        *store.DB
	publisher pgn.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
}

// New constructs a Message Bus.
func New(db *store.DB, publisher pgn.Publisher, c clock.Clock) *Bus {
	return &Bus{db: db, publisher: publisher, clock: c}
}

// SetMetrics attaches the Prometheus instrumentation. Optional.
func (b *Bus) SetMetrics(m *metrics.Metrics) { b.metrics = m }

// SendInput is the payload for Send.
type SendInput struct {
	TeamID        string
	SenderID      string
	SenderType    domain.ActorType
	RecipientID   string
	RecipientType domain.ActorType
	TaskID        *int64
	Content       string
}

// Send appends a message to the recipient's inbox, appends message.sent to
// the task stream (if TaskID is set) or else to the team stream, and publishes
// new_message — delivered only once the enclosing commit succeeds.
func (b *Bus) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	if in.Content == "" {
		return nil, orcherr.Validationf("content must not be empty")
	}
	if in.RecipientID == "" {
		return nil, orcherr.Validationf("recipient id must not be empty")
	}

	var msg domain.Message
	err := b.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := b.clock.Now()
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO messages (team_id, sender_id, sender_type, recipient_id, recipient_type, task_id, content, delivered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, team_id, sender_id, sender_type, recipient_id, recipient_type, task_id, content, delivered_at, seen_at, processed_at
		`, in.TeamID, in.SenderID, in.SenderType, in.RecipientID, in.RecipientType, in.TaskID, in.Content, now)
		if err := row.StructScan(&msg); err != nil {
			return fmt.Errorf("messages: insert: %w", err)
		}

		stream := eventlog.TeamStream(in.TeamID)
		if in.TaskID != nil {
			stream = eventlog.TaskStream(*in.TaskID)
		}
		if _, err := eventlog.Append(ctx, tx, stream, domain.EventMessageSent, msg, domain.Metadata{ActorID: in.SenderID}, b.metrics); err != nil {
			return err
		}

		if b.publisher != nil {
			payload := map[string]any{
				"message_id":     msg.ID,
				"recipient_id":   msg.RecipientID,
				"recipient_type": msg.RecipientType,
			}
			if err := b.publisher.Publish(ctx, tx, pgn.ChannelNewMessage, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Inbox returns a recipient's messages oldest-first, capped at limit (0
// means no limit). unprocessedOnly restricts to messages not yet
// acknowledged with MarkProcessed.
func (b *Bus) Inbox(ctx context.Context, recipientID string, unprocessedOnly bool, limit int) ([]*domain.Message, error) {
	query := selectMessageColumns + ` FROM messages WHERE recipient_id = $1`
	args := []any{recipientID}
	if unprocessedOnly {
		query += " AND processed_at IS NULL"
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := b.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("messages: inbox: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.StructScan(&msg); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// MarkSeen sets seen_at on a message if not already set. Idempotent.
func (b *Bus) MarkSeen(ctx context.Context, messageID int64) error {
	now := b.clock.Now()
	_, err := b.db.ExecContext(ctx, `
		UPDATE messages SET seen_at = $1 WHERE id = $2 AND seen_at IS NULL
	`, now, messageID)
	if err != nil {
		return fmt.Errorf("messages: mark seen: %w", err)
	}
	return nil
}

// MarkProcessed sets processed_at (and seen_at, if unset) on a message.
// Idempotent — calling it twice is a no-op the second time.
func (b *Bus) MarkProcessed(ctx context.Context, messageID int64) error {
	now := b.clock.Now()
	res, err := b.db.ExecContext(ctx, `
		UPDATE messages
		SET processed_at = $1, seen_at = COALESCE(seen_at, $1)
		WHERE id = $2 AND processed_at IS NULL
	`, now, messageID)
	if err != nil {
		return fmt.Errorf("messages: mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := b.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, messageID); err != nil {
			return fmt.Errorf("messages: check existence: %w", err)
		}
		if !exists {
			return orcherr.NotFoundf("message %d not found", messageID)
		}
	}
	return nil
}

// Get fetches a message by id.
func (b *Bus) Get(ctx context.Context, messageID int64) (*domain.Message, error) {
	var msg domain.Message
	row := b.db.QueryRowxContext(ctx, selectMessageColumns+` FROM messages WHERE id = $1`, messageID)
	if err := row.StructScan(&msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.NotFoundf("message %d not found", messageID)
		}
		return nil, err
	}
	return &msg, nil
}
