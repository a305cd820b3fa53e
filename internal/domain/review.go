package domain

import "time"

// Verdict is the outcome of a review.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges  Verdict = "request_changes"
	VerdictReject          Verdict = "reject"
)

// ReviewerType distinguishes a human reviewer from an agent reviewer.
type ReviewerType string

const (
	ReviewerUser  ReviewerType = "user"
	ReviewerAgent ReviewerType = "agent"
)

// Review is one attempt at reviewing a task's work. Attempt is 1-based and
// unique per task.
type Review struct {
	ID           int64        `db:"id" json:"id"`
	TaskID       int64        `db:"task_id" json:"taskId"`
	Attempt      int          `db:"attempt" json:"attempt"`
	ReviewerID   string       `db:"reviewer_id" json:"reviewerId"`
	ReviewerType ReviewerType `db:"reviewer_type" json:"reviewerType"`
	Verdict      *Verdict     `db:"verdict" json:"verdict,omitempty"`
	Summary      string       `db:"summary" json:"summary,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	ResolvedAt   *time.Time   `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// ReviewComment anchors optionally to a (file, line) within a Review.
type ReviewComment struct {
	ID         int64     `db:"id" json:"id"`
	ReviewID   int64     `db:"review_id" json:"reviewId"`
	Author     string    `db:"author" json:"author"`
	AuthorType ActorType `db:"author_type" json:"authorType"`
	Content    string    `db:"content" json:"content"`
	FilePath   *string   `db:"file_path" json:"filePath,omitempty"`
	LineNumber *int      `db:"line_number" json:"lineNumber,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// MergeStrategy is one of rebase/merge/squash.
type MergeStrategy string

const (
	StrategyRebase MergeStrategy = "rebase"
	StrategyMerge  MergeStrategy = "merge"
	StrategySquash MergeStrategy = "squash"
)

// MergeJobStatus is the merge job's lifecycle status.
type MergeJobStatus string

const (
	MergeQueued  MergeJobStatus = "queued"
	MergeRunning MergeJobStatus = "running"
	MergeSuccess MergeJobStatus = "success"
	MergeFailed  MergeJobStatus = "failed"
)

// MergeJob references a task + repository pending merge.
type MergeJob struct {
	ID           int64          `db:"id" json:"id"`
	TaskID       int64          `db:"task_id" json:"taskId"`
	RepositoryID string         `db:"repository_id" json:"repositoryId"`
	Status       MergeJobStatus `db:"status" json:"status"`
	Strategy     MergeStrategy  `db:"strategy" json:"strategy"`
	MergeCommit  *string        `db:"merge_commit" json:"mergeCommit,omitempty"`
	Error        *string        `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}
