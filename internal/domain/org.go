// Package domain holds the core's entity types: the static tenant hierarchy
// (Organization/Team/Agent/Repository) and the mutable work entities (Task,
// Event, Message, HumanRequest, Session, Review, MergeJob) described in the
// spec's data model. These are plain structs; all mutation happens through
// the owning component's operations, never by direct field assignment
// outside that component.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AgentRole enumerates the three roles an Agent may hold.
type AgentRole string

const (
	RoleManager  AgentRole = "manager"
	RoleEngineer AgentRole = "engineer"
	RoleReviewer AgentRole = "reviewer"
)

// AgentStatus enumerates the lifecycle states of an Agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
)

// Organization is the top of the tenant hierarchy.
type Organization struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// TeamSettings holds the per-team policy knobs: budgets, default model,
// auto-merge, branch prefix, conventions. Persisted as a single JSONB
// column, so it implements sql.Scanner/driver.Valuer itself rather than
// mapping one struct field per database column.
type TeamSettings struct {
	DailyBudgetCap *string `json:"dailyBudgetCap,omitempty"` // decimal string, nil = unlimited
	PerTaskCap     *string `json:"perTaskCap,omitempty"`
	DefaultModel   string  `json:"defaultModel"`
	AutoMerge      bool    `json:"autoMerge"`
	BranchPrefix   string  `json:"branchPrefix"`
	Conventions    string  `json:"conventions,omitempty"`
	PreferAgentRev bool    `json:"preferAgentReviewer"`
	SlugMaxLength  int     `json:"slugMaxLength"`
}

// Scan implements sql.Scanner.
func (s *TeamSettings) Scan(src any) error {
	if src == nil {
		*s = TeamSettings{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("domain: TeamSettings.Scan: unsupported type %T", src)
	}
	if len(data) == 0 {
		*s = TeamSettings{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// Value implements driver.Valuer.
func (s TeamSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Team belongs to exactly one Organization.
type Team struct {
	ID             string       `db:"id" json:"id"`
	OrganizationID string       `db:"organization_id" json:"organizationId"`
	Name           string       `db:"name" json:"name"`
	Settings       TeamSettings `db:"settings" json:"settings"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updatedAt"`
}

// Agent is a named actor: manager, engineer, or reviewer.
type Agent struct {
	ID        string      `db:"id" json:"id"`
	TeamID    string      `db:"team_id" json:"teamId"`
	Name      string      `db:"name" json:"name"`
	Role      AgentRole   `db:"role" json:"role"`
	Status    AgentStatus `db:"status" json:"status"`
	Adapter   string      `db:"adapter" json:"adapter"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time   `db:"updated_at" json:"updatedAt"`
}

// Repository is a git repository a team's tasks may target.
type Repository struct {
	ID        string    `db:"id" json:"id"`
	TeamID    string    `db:"team_id" json:"teamId"`
	URL       string    `db:"url" json:"url"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
