package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session tracks one agent's work unit: token counters and accumulated cost.
// At most one session per agent may be open (ended_at nil) at a time.
type Session struct {
	ID           int64           `db:"id" json:"id"`
	AgentID      string          `db:"agent_id" json:"agentId"`
	TaskID       *int64          `db:"task_id" json:"taskId,omitempty"`
	Model        string          `db:"model" json:"model"`
	StartedAt    time.Time       `db:"started_at" json:"startedAt"`
	EndedAt      *time.Time      `db:"ended_at" json:"endedAt,omitempty"`
	InputTokens  int64           `db:"input_tokens" json:"inputTokens"`
	OutputTokens int64           `db:"output_tokens" json:"outputTokens"`
	CacheRead    int64           `db:"cache_read_tokens" json:"cacheReadTokens"`
	CacheWrite   int64           `db:"cache_write_tokens" json:"cacheWriteTokens"`
	Cost         decimal.Decimal `db:"cost" json:"cost"`
	Error        *string         `db:"error" json:"error,omitempty"`
}

// IsOpen reports whether the session has not yet ended.
func (s *Session) IsOpen() bool { return s.EndedAt == nil }
