package domain

import (
	"time"

	"github.com/lib/pq"
)

// TaskStatus is one of the seven statuses in the task state machine.
type TaskStatus string

const (
	StatusTodo        TaskStatus = "todo"
	StatusInProgress  TaskStatus = "in_progress"
	StatusInReview    TaskStatus = "in_review"
	StatusInApproval  TaskStatus = "in_approval"
	StatusMerging     TaskStatus = "merging"
	StatusDone        TaskStatus = "done"
	StatusCancelled   TaskStatus = "cancelled"
)

// Priority is the task priority enum.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Task is the central work-item entity. Owned exclusively by the Task
// Engine; other components read it freely but never write it directly.
type Task struct {
	ID          int64          `db:"id" json:"id"`
	TeamID      string         `db:"team_id" json:"teamId"`
	Title       string         `db:"title" json:"title"`
	Description string         `db:"description" json:"description"`
	Status      TaskStatus     `db:"status" json:"status"`
	Priority    Priority       `db:"priority" json:"priority"`
	DRI         *string        `db:"dri_agent_id" json:"dri,omitempty"`
	AssigneeID  *string        `db:"assignee_id" json:"assignee,omitempty"`
	DependsOn   pq.Int64Array  `db:"depends_on" json:"dependsOn"`
	RepoIDs     pq.StringArray `db:"repo_ids" json:"repoIds"`
	Tags        pq.StringArray `db:"tags" json:"tags"`
	Branch      string         `db:"branch" json:"branch"`
	Metadata    JSONMap        `db:"metadata" json:"metadata"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

// allowedTransitions is the state-transition table from spec §4.2. Any
// transition not listed here is rejected with orcherr.Conflict.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	StatusTodo:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusInReview, StatusTodo, StatusCancelled},
	StatusInReview:   {StatusInApproval, StatusInProgress, StatusCancelled},
	StatusInApproval: {StatusMerging, StatusInProgress, StatusCancelled},
	StatusMerging:    {StatusDone, StatusInProgress},
	StatusDone:       {},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status TaskStatus) bool {
	return status == StatusDone || status == StatusCancelled
}
