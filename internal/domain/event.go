package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Event types, spec §6's externally visible taxonomy.
const (
	EventTaskCreated        = "task.created"
	EventTaskUpdated        = "task.updated"
	EventTaskAssigned       = "task.assigned"
	EventTaskStatusChanged  = "task.status_changed"
	EventTaskCommentAdded   = "task.comment_added"
	EventMessageSent        = "message.sent"
	EventSessionStarted     = "session.started"
	EventSessionUsage       = "session.usage_recorded"
	EventSessionEnded       = "session.ended"
	EventAgentBudgetExceed  = "agent.budget_exceeded"
	EventCostUnknownModel   = "cost.unknown_model"
	EventHumanRequestCreate = "human_request.created"
	EventHumanRequestResolv = "human_request.resolved"
	EventHumanRequestExpire = "human_request.expired"
	EventReviewCreated      = "review.created"
	EventReviewVerdict      = "review.verdict"
	EventReviewCommentAdded = "review.comment_added"
	EventReviewFeedbackSent = "review.feedback_sent"
	EventMergeQueued        = "merge.queued"
	EventMergeStarted       = "merge.started"
	EventMergeCompleted     = "merge.completed"
	EventMergeFailed        = "merge.failed"
	EventSettingsUpdated    = "settings.updated"
)

// Metadata carries actor/correlation/causation ids on every event. Persisted
// as a single JSONB column, so it implements sql.Scanner/driver.Valuer
// directly rather than mapping one struct field per database column.
type Metadata struct {
	ActorID       string `json:"actorId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("domain: Metadata.Scan: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Event is a single immutable record in a stream's causal history. Once
// persisted it is never updated or deleted and ids are strictly increasing.
type Event struct {
	ID        int64           `db:"id" json:"id"`
	StreamID  string          `db:"stream_id" json:"streamId"`
	Type      string          `db:"type" json:"type"`
	Data      json.RawMessage `db:"data" json:"data"`
	Metadata  Metadata        `db:"metadata" json:"metadata"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}
