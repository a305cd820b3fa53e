// Package review implements the Review & Merge Coordinator (spec §4.6):
// review-attempt bookkeeping, verdict policy (including the automated
// request_changes feedback loop), and merge-job queueing. The merge worker
// itself lives in merge.go.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/eventlog"
	"github.com/nickmisasi/orchestrator-core/internal/messages"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	pgn "github.com/nickmisasi/orchestrator-core/internal/pgnotify"
	"github.com/nickmisasi/orchestrator-core/internal/store"
	"github.com/nickmisasi/orchestrator-core/internal/tasks"
)

const selectReviewColumns = `
	SELECT id, task_id, attempt, reviewer_id, reviewer_type, verdict, summary, created_at, resolved_at`

const selectCommentColumns = `
	SELECT id, review_id, author, author_type, content, file_path, line_number, created_at`

// Coordinator owns the reviews, review_comments, and merge_jobs tables.
type Coordinator struct {
	db        *store.DB
	tasks     *tasks.Engine
	bus       *messages.Bus
	publisher pgn.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
}

// New constructs a Review & Merge Coordinator.
func New(db *store.DB, taskEngine *tasks.Engine, bus *messages.Bus, publisher pgn.Publisher, c clock.Clock) *Coordinator {
	return &Coordinator{db: db, tasks: taskEngine, bus: bus, publisher: publisher, clock: c}
}

// SetMetrics attaches the Prometheus instrumentation. Optional.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// RequestReview picks the next attempt number for the task (max existing +
// 1, starting at 1), inserts a pending review, and appends review.created.
func (c *Coordinator) RequestReview(ctx context.Context, taskID int64, reviewerID string, reviewerType domain.ReviewerType) (*domain.Review, error) {
	var review domain.Review
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var maxAttempt sql.NullInt64
		if err := tx.GetContext(ctx, &maxAttempt, `SELECT MAX(attempt) FROM reviews WHERE task_id = $1`, taskID); err != nil {
			return fmt.Errorf("review: max attempt: %w", err)
		}
		attempt := 1
		if maxAttempt.Valid {
			attempt = int(maxAttempt.Int64) + 1
		}

		now := c.clock.Now()
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO reviews (task_id, attempt, reviewer_id, reviewer_type, summary, created_at)
			VALUES ($1, $2, $3, $4, '', $5)
			RETURNING id, task_id, attempt, reviewer_id, reviewer_type, verdict, summary, created_at, resolved_at
		`, taskID, attempt, reviewerID, reviewerType, now)
		if err := row.StructScan(&review); err != nil {
			return fmt.Errorf("review: insert: %w", err)
		}

		if _, err := eventlog.Append(ctx, tx, eventlog.ReviewStream(review.ID), domain.EventReviewCreated, review, domain.Metadata{ActorID: reviewerID}, c.metrics); err != nil {
			return err
		}

		if reviewerType == domain.ReviewerAgent && c.bus != nil {
			content := fmt.Sprintf("please review task %d (attempt %d)", taskID, attempt)
			if _, err := c.bus.Send(ctx, messages.SendInput{
				SenderID:      "review-coordinator",
				SenderType:    domain.ActorAgent,
				RecipientID:   reviewerID,
				RecipientType: domain.ActorAgent,
				TaskID:        &taskID,
				Content:       content,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}

// AddComment anchors a comment to a review and appends review.comment_added.
func (c *Coordinator) AddComment(ctx context.Context, reviewID int64, author string, authorType domain.ActorType, content string, filePath *string, lineNumber *int) (*domain.ReviewComment, error) {
	if content == "" {
		return nil, orcherr.Validationf("content must not be empty")
	}

	var comment domain.ReviewComment
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := c.clock.Now()
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO review_comments (review_id, author, author_type, content, file_path, line_number, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, review_id, author, author_type, content, file_path, line_number, created_at
		`, reviewID, author, authorType, content, filePath, lineNumber, now)
		if err := row.StructScan(&comment); err != nil {
			return fmt.Errorf("review: add comment: %w", err)
		}
		_, err := eventlog.Append(ctx, tx, eventlog.ReviewStream(reviewID), domain.EventReviewCommentAdded, comment, domain.Metadata{ActorID: author}, c.metrics)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// SetVerdict is the central review action (spec §4.6's verdict policy):
//   - approve           → task in_review → in_approval
//   - reject            → task in_review → in_progress
//   - request_changes   → task in_review → in_progress, plus a single
//     structured feedback message to the assignee's inbox
//
// assigneeID is the task's current assignee, used only for the
// request_changes feedback message.
func (c *Coordinator) SetVerdict(ctx context.Context, reviewID int64, verdict domain.Verdict, summary, reviewerID string, taskID int64, assigneeID string) (*domain.Review, error) {
	var review domain.Review
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, selectReviewColumns+` FROM reviews WHERE id = $1 FOR UPDATE`, reviewID)
		if err := row.StructScan(&review); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return orcherr.NotFoundf("review %d not found", reviewID)
			}
			return fmt.Errorf("review: lock: %w", err)
		}
		if review.Verdict != nil {
			return orcherr.Conflictf("review %d already has a verdict", reviewID)
		}

		now := c.clock.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE reviews SET verdict = $1, summary = $2, resolved_at = $3 WHERE id = $4
		`, verdict, summary, now, reviewID); err != nil {
			return fmt.Errorf("review: set verdict: %w", err)
		}
		review.Verdict = &verdict
		review.Summary = summary
		review.ResolvedAt = &now

		if _, err := eventlog.Append(ctx, tx, eventlog.ReviewStream(reviewID), domain.EventReviewVerdict, review, domain.Metadata{ActorID: reviewerID}, c.metrics); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ReviewVerdicts.WithLabelValues(string(verdict)).Inc()
	}

	switch verdict {
	case domain.VerdictApprove:
		if _, err := c.tasks.ChangeStatus(ctx, taskID, domain.StatusInApproval, reviewerID); err != nil {
			return nil, err
		}
	case domain.VerdictReject:
		if _, err := c.tasks.ChangeStatus(ctx, taskID, domain.StatusInProgress, reviewerID); err != nil {
			return nil, err
		}
	case domain.VerdictRequestChanges:
		if _, err := c.tasks.ChangeStatus(ctx, taskID, domain.StatusInProgress, reviewerID); err != nil {
			return nil, err
		}
		if err := c.sendFeedback(ctx, reviewID, taskID, assigneeID, summary); err != nil {
			return nil, err
		}
	}
	return &review, nil
}

func (c *Coordinator) sendFeedback(ctx context.Context, reviewID, taskID int64, assigneeID, summary string) error {
	rows, err := c.db.QueryxContext(ctx, selectCommentColumns+` FROM review_comments WHERE review_id = $1 ORDER BY id ASC`, reviewID)
	if err != nil {
		return fmt.Errorf("review: feedback comments: %w", err)
	}
	var comments []domain.ReviewComment
	for rows.Next() {
		var comment domain.ReviewComment
		if err := rows.StructScan(&comment); err != nil {
			rows.Close()
			return err
		}
		comments = append(comments, comment)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(summary)
	for _, comment := range comments {
		if comment.FilePath == nil || comment.LineNumber == nil {
			continue
		}
		b.WriteString("\n")
		b.WriteString(*comment.FilePath)
		b.WriteString(":")
		b.WriteString(strconv.Itoa(*comment.LineNumber))
		b.WriteString(" — ")
		b.WriteString(comment.Content)
	}

	if c.bus != nil {
		if _, err := c.bus.Send(ctx, messages.SendInput{
			SenderID:      "review-coordinator",
			SenderType:    domain.ActorAgent,
			RecipientID:   assigneeID,
			RecipientType: domain.ActorAgent,
			TaskID:        &taskID,
			Content:       b.String(),
		}); err != nil {
			return err
		}
	}
	_, err = eventlog.Append(ctx, c.db, eventlog.ReviewStream(reviewID), domain.EventReviewFeedbackSent, map[string]any{"taskId": taskID}, domain.Metadata{}, c.metrics)
	return err
}

// LatestReview returns the highest-attempt review for a task — the one
// consulted for merge readiness.
func (c *Coordinator) LatestReview(ctx context.Context, taskID int64) (*domain.Review, error) {
	var review domain.Review
	row := c.db.QueryRowxContext(ctx, selectReviewColumns+` FROM reviews WHERE task_id = $1 ORDER BY attempt DESC LIMIT 1`, taskID)
	if err := row.StructScan(&review); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.NotFoundf("no reviews for task %d", taskID)
		}
		return nil, err
	}
	return &review, nil
}
