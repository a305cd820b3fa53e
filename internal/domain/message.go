package domain

import "time"

// ActorType distinguishes agent- from human-originated entities.
type ActorType string

const (
	ActorAgent ActorType = "agent"
	ActorUser  ActorType = "user"
)

// Message is a single entry in a recipient-keyed inbox. Messages are never
// deleted; processed_at >= seen_at >= delivered_at when set.
type Message struct {
	ID            int64      `db:"id" json:"id"`
	TeamID        string     `db:"team_id" json:"teamId"`
	SenderID      string     `db:"sender_id" json:"senderId"`
	SenderType    ActorType  `db:"sender_type" json:"senderType"`
	RecipientID   string     `db:"recipient_id" json:"recipientId"`
	RecipientType ActorType  `db:"recipient_type" json:"recipientType"`
	TaskID        *int64     `db:"task_id" json:"taskId,omitempty"`
	Content       string     `db:"content" json:"content"`
	DeliveredAt   time.Time  `db:"delivered_at" json:"deliveredAt"`
	SeenAt        *time.Time `db:"seen_at" json:"seenAt,omitempty"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processedAt,omitempty"`
}
