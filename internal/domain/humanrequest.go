package domain

import (
	"time"

	"github.com/lib/pq"
)

// HumanRequestKind enumerates the kinds of input an agent may request.
type HumanRequestKind string

const (
	KindQuestion HumanRequestKind = "question"
	KindApproval HumanRequestKind = "approval"
	KindReview   HumanRequestKind = "review"
)

// HumanRequestStatus is the request's lifecycle status.
type HumanRequestStatus string

const (
	RequestPending  HumanRequestStatus = "pending"
	RequestResolved HumanRequestStatus = "resolved"
	RequestExpired  HumanRequestStatus = "expired"
)

// HumanRequest is an agent-originated request for human input.
type HumanRequest struct {
	ID         int64              `db:"id" json:"id"`
	TeamID     string             `db:"team_id" json:"teamId"`
	AgentID    string             `db:"agent_id" json:"agentId"`
	TaskID     *int64             `db:"task_id" json:"taskId,omitempty"`
	Kind       HumanRequestKind   `db:"kind" json:"kind"`
	Question   string             `db:"question" json:"question"`
	Options    pq.StringArray     `db:"options" json:"options,omitempty"`
	Status     HumanRequestStatus `db:"status" json:"status"`
	Response   *string            `db:"response" json:"response,omitempty"`
	Responder  *string            `db:"responder" json:"responder,omitempty"`
	TimeoutAt  *time.Time         `db:"timeout_at" json:"timeoutAt,omitempty"`
	CreatedAt  time.Time          `db:"created_at" json:"createdAt"`
	ResolvedAt *time.Time         `db:"resolved_at" json:"resolvedAt,omitempty"`
}
