// Package tasks implements the Task Engine (spec §4.2): task creation,
// field updates, assignment, status transitions with DAG dependency
// gating, batch creation, and branch-name derivation. The Task Engine is
// the sole writer of the tasks table; every other component reads through
// its own queries but never mutates a task row directly.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/eventlog"
	"github.com/nickmisasi/orchestrator-core/internal/metrics"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	pgn "github.com/nickmisasi/orchestrator-core/internal/pgnotify"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

const selectTaskColumns = `
	SELECT id, team_id, title, description, status, priority, dri_agent_id, assignee_id,
	       depends_on, repo_ids, tags, branch, metadata, created_at, updated_at, completed_at`

// Engine owns the tasks table.
type Engine struct {
	db        *store.DB
	publisher pgn.Publisher
	clock     clock.Clock
	prefix    string
	slugMax   int
	metrics   *metrics.Metrics
}

// New constructs a Task Engine. prefix and slugMax are the branching.prefix
// and branching.slug_max_length configuration values (spec §6).
func New(db *store.DB, publisher pgn.Publisher, c clock.Clock, prefix string, slugMax int) *Engine {
	return &Engine{db: db, publisher: publisher, clock: c, prefix: prefix, slugMax: slugMax}
}

// SetMetrics attaches the Prometheus instrumentation. Optional — a nil
// metrics handle (the zero value) means event appends go unrecorded, which
// is fine for tests that don't assert on counters.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// CreateInput is the payload for Create.
type CreateInput struct {
	TeamID      string
	Title       string
	Description string
	Priority    domain.Priority
	DependsOn   []int64
	RepoIDs     []string
	Tags        []string
	Metadata    map[string]any
	ActorID     string
}

// Create inserts a new task, deriving its branch name, and appends
// task.created.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*domain.Task, error) {
	if in.Title == "" {
		return nil, orcherr.Validationf("title must not be empty")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}

	var task domain.Task
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := e.clock.Now()
		metaJSON, err := json.Marshal(in.Metadata)
		if err != nil {
			return fmt.Errorf("tasks: marshal metadata: %w", err)
		}

		row := tx.QueryRowxContext(ctx, `
			INSERT INTO tasks (team_id, title, description, status, priority, depends_on, repo_ids, tags, branch, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $10, $10)
			RETURNING id, team_id, title, description, status, priority, dri_agent_id, assignee_id, depends_on, repo_ids, tags, branch, metadata, created_at, updated_at, completed_at
		`, in.TeamID, in.Title, in.Description, domain.StatusTodo, in.Priority,
			pq.Int64Array(in.DependsOn), pq.StringArray(in.RepoIDs), pq.StringArray(in.Tags),
			metaJSON, now)
		if err := row.StructScan(&task); err != nil {
			return fmt.Errorf("tasks: insert: %w", err)
		}

		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return orcherr.Validationf("task %d cannot depend on itself", task.ID)
			}
		}

		branch := BranchName(e.prefix, task.ID, task.Title, e.slugMax)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET branch = $1 WHERE id = $2`, branch, task.ID); err != nil {
			return fmt.Errorf("tasks: set branch: %w", err)
		}
		task.Branch = branch

		_, err = eventlog.Append(ctx, tx, eventlog.TaskStream(task.ID), domain.EventTaskCreated, task, domain.Metadata{ActorID: in.ActorID}, e.metrics)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// BatchCreateEntry is one entry in a BatchCreate call. DependsOnIndices
// references other entries in the same batch by 0-based position.
type BatchCreateEntry struct {
	Title            string
	Description      string
	Priority         domain.Priority
	DependsOnIndices []int
	RepoIDs          []string
	Tags             []string
	Metadata         map[string]any
}

// BatchCreate atomically creates every entry, resolving DependsOnIndices to
// real ids after all rows have been assigned. Failure at any entry rolls
// the entire batch back — zero rows are inserted.
func (e *Engine) BatchCreate(ctx context.Context, teamID string, entries []BatchCreateEntry, actorID string) ([]*domain.Task, error) {
	for i, entry := range entries {
		for _, idx := range entry.DependsOnIndices {
			if idx < 0 || idx >= len(entries) {
				return nil, orcherr.Validationf("entry %d: depends_on_indices out of range: %d", i, idx)
			}
			if idx == i {
				return nil, orcherr.Validationf("entry %d cannot depend on itself", i)
			}
		}
		if entry.Title == "" {
			return nil, orcherr.Validationf("entry %d: title must not be empty", i)
		}
	}

	results := make([]*domain.Task, len(entries))
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := e.clock.Now()

		for i, entry := range entries {
			priority := entry.Priority
			if priority == "" {
				priority = domain.PriorityMedium
			}
			metadata := entry.Metadata
			if metadata == nil {
				metadata = map[string]any{}
			}
			metaJSON, err := json.Marshal(metadata)
			if err != nil {
				return fmt.Errorf("tasks: marshal metadata entry %d: %w", i, err)
			}

			var task domain.Task
			row := tx.QueryRowxContext(ctx, `
				INSERT INTO tasks (team_id, title, description, status, priority, depends_on, repo_ids, tags, branch, metadata, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, '{}', $6, $7, '', $8, $9, $9)
				RETURNING id, team_id, title, description, status, priority, dri_agent_id, assignee_id, depends_on, repo_ids, tags, branch, metadata, created_at, updated_at, completed_at
			`, teamID, entry.Title, entry.Description, domain.StatusTodo, priority,
				pq.StringArray(entry.RepoIDs), pq.StringArray(entry.Tags), metaJSON, now)
			if err := row.StructScan(&task); err != nil {
				return fmt.Errorf("tasks: batch insert entry %d: %w", i, err)
			}
			results[i] = &task
		}

		for i, entry := range entries {
			if len(entry.DependsOnIndices) == 0 {
				continue
			}
			dependsOn := make([]int64, len(entry.DependsOnIndices))
			for j, idx := range entry.DependsOnIndices {
				dependsOn[j] = results[idx].ID
			}
			branch := BranchName(e.prefix, results[i].ID, results[i].Title, e.slugMax)
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET depends_on = $1, branch = $2 WHERE id = $3`,
				pq.Int64Array(dependsOn), branch, results[i].ID); err != nil {
				return fmt.Errorf("tasks: batch set deps entry %d: %w", i, err)
			}
			results[i].DependsOn = dependsOn
			results[i].Branch = branch
		}

		for i, task := range results {
			if task.Branch == "" {
				branch := BranchName(e.prefix, task.ID, task.Title, e.slugMax)
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET branch = $1 WHERE id = $2`, branch, task.ID); err != nil {
					return fmt.Errorf("tasks: batch set branch entry %d: %w", i, err)
				}
				task.Branch = branch
			}
			if _, err := eventlog.Append(ctx, tx, eventlog.TaskStream(task.ID), domain.EventTaskCreated, task, domain.Metadata{ActorID: actorID}, e.metrics); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// UpdateInput carries only the fields being changed; nil pointers leave the
// field untouched.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *domain.Priority
	Tags        *[]string
}

// Update mutates title/description/priority/tags and appends task.updated
// with only the changed fields. Status is never changed here.
func (e *Engine) Update(ctx context.Context, taskID int64, in UpdateInput, actorID string) (*domain.Task, error) {
	var task domain.Task
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if domain.IsTerminal(existing.Status) {
			return orcherr.Conflictf("task %d is in terminal status %s", taskID, existing.Status)
		}

		changed := map[string]any{}
		if in.Title != nil && *in.Title != existing.Title {
			if *in.Title == "" {
				return orcherr.Validationf("title must not be empty")
			}
			existing.Title = *in.Title
			changed["title"] = *in.Title
		}
		if in.Description != nil && *in.Description != existing.Description {
			existing.Description = *in.Description
			changed["description"] = *in.Description
		}
		if in.Priority != nil && *in.Priority != existing.Priority {
			existing.Priority = *in.Priority
			changed["priority"] = *in.Priority
		}
		if in.Tags != nil {
			existing.Tags = *in.Tags
			changed["tags"] = *in.Tags
		}

		now := e.clock.Now()
		existing.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = $1, description = $2, priority = $3, tags = $4, updated_at = $5
			WHERE id = $6
		`, existing.Title, existing.Description, existing.Priority, pq.StringArray(existing.Tags), now, taskID); err != nil {
			return fmt.Errorf("tasks: update: %w", err)
		}

		if len(changed) > 0 {
			if _, err := eventlog.Append(ctx, tx, eventlog.TaskStream(taskID), domain.EventTaskUpdated, changed, domain.Metadata{ActorID: actorID}, e.metrics); err != nil {
				return err
			}
		}
		task = *existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Assign sets (or clears, with agentID == "") the task's assignee and
// appends task.assigned with (from, to).
func (e *Engine) Assign(ctx context.Context, taskID int64, agentID, actorID string) (*domain.Task, error) {
	var task domain.Task
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if domain.IsTerminal(existing.Status) {
			return orcherr.Conflictf("task %d is in terminal status %s", taskID, existing.Status)
		}

		from := ""
		if existing.AssigneeID != nil {
			from = *existing.AssigneeID
		}

		now := e.clock.Now()
		var assignee *string
		if agentID != "" {
			assignee = &agentID
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee_id = $1, updated_at = $2 WHERE id = $3`, assignee, now, taskID); err != nil {
			return fmt.Errorf("tasks: assign: %w", err)
		}

		payload := map[string]string{"from": from, "to": agentID}
		if _, err := eventlog.Append(ctx, tx, eventlog.TaskStream(taskID), domain.EventTaskAssigned, payload, domain.Metadata{ActorID: actorID}, e.metrics); err != nil {
			return err
		}

		existing.AssigneeID = assignee
		existing.UpdatedAt = now
		task = *existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ChangeStatus validates the transition, checks DAG dependency gating when
// moving into in_progress, sets completed_at when reaching done, and
// appends task.status_changed. It also publishes task_status_changed from
// the same transaction; the Dispatcher subscribes to that channel but starts
// no turn from it.
func (e *Engine) ChangeStatus(ctx context.Context, taskID int64, to domain.TaskStatus, actorID string) (*domain.Task, error) {
	var task domain.Task
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		from := existing.Status
		if !domain.CanTransition(from, to) {
			return orcherr.Conflictf("invalid transition %s -> %s for task %d", from, to, taskID)
		}

		if to == domain.StatusInProgress {
			unresolved, err := unresolvedDependencies(ctx, tx, existing.DependsOn)
			if err != nil {
				return err
			}
			if len(unresolved) > 0 {
				depErr := orcherr.New(orcherr.DependenciesUnresolved, fmt.Sprintf("task %d has unresolved dependencies", taskID))
				depErr.WithDetail("dependencies", unresolved)
				return depErr
			}
		}

		now := e.clock.Now()
		completedAt := existing.CompletedAt
		if to == domain.StatusDone {
			completedAt = &now
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2, completed_at = $3 WHERE id = $4
		`, to, now, completedAt, taskID); err != nil {
			return fmt.Errorf("tasks: change status: %w", err)
		}

		payload := map[string]string{"from": string(from), "to": string(to), "actor": actorID}
		if _, err := eventlog.Append(ctx, tx, eventlog.TaskStream(taskID), domain.EventTaskStatusChanged, payload, domain.Metadata{ActorID: actorID}, e.metrics); err != nil {
			return err
		}

		if e.publisher != nil {
			if err := e.publisher.Publish(ctx, tx, pgn.ChannelTaskStatusChanged, map[string]any{"task_id": taskID, "from": from, "to": to}); err != nil {
				return err
			}
		}

		existing.Status = to
		existing.UpdatedAt = now
		existing.CompletedAt = completedAt
		task = *existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Get fetches a task by id.
func (e *Engine) Get(ctx context.Context, taskID int64) (*domain.Task, error) {
	var task domain.Task
	row := e.db.QueryRowxContext(ctx, selectTaskColumns+` FROM tasks WHERE id = $1`, taskID)
	if err := row.StructScan(&task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.NotFoundf("task %d not found", taskID)
		}
		return nil, err
	}
	return &task, nil
}

// List returns tasks for a team, optionally filtered by status and/or
// assignee.
func (e *Engine) List(ctx context.Context, teamID string, status *domain.TaskStatus, assigneeID *string) ([]*domain.Task, error) {
	query := selectTaskColumns + ` FROM tasks WHERE team_id = $1`
	args := []any{teamID}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if assigneeID != nil {
		args = append(args, *assigneeID)
		query += fmt.Sprintf(" AND assignee_id = $%d", len(args))
	}
	query += " ORDER BY id ASC"

	rows, err := e.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var task domain.Task
		if err := rows.StructScan(&task); err != nil {
			return nil, err
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// DependencyStatus describes one offending dependency in a
// DependenciesUnresolved error payload.
type DependencyStatus struct {
	TaskID int64             `json:"taskId"`
	Status domain.TaskStatus `json:"status,omitempty"`
	Exists bool              `json:"exists"`
}

func unresolvedDependencies(ctx context.Context, tx *sqlx.Tx, dependsOn []int64) ([]DependencyStatus, error) {
	if len(dependsOn) == 0 {
		return nil, nil
	}

	rows, err := tx.QueryxContext(ctx, `SELECT id, status FROM tasks WHERE id = ANY($1)`, pq.Int64Array(dependsOn))
	if err != nil {
		return nil, fmt.Errorf("tasks: dependency lookup: %w", err)
	}
	defer rows.Close()

	found := make(map[int64]domain.TaskStatus, len(dependsOn))
	for rows.Next() {
		var id int64
		var status domain.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		found[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var unresolved []DependencyStatus
	for _, dep := range dependsOn {
		status, ok := found[dep]
		if !ok {
			unresolved = append(unresolved, DependencyStatus{TaskID: dep, Exists: false})
			continue
		}
		if status != domain.StatusDone {
			unresolved = append(unresolved, DependencyStatus{TaskID: dep, Status: status, Exists: true})
		}
	}
	return unresolved, nil
}

func lockTask(ctx context.Context, tx *sqlx.Tx, taskID int64) (*domain.Task, error) {
	var task domain.Task
	row := tx.QueryRowxContext(ctx, selectTaskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	if err := row.StructScan(&task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.NotFoundf("task %d not found", taskID)
		}
		return nil, fmt.Errorf("tasks: lock: %w", err)
	}
	return &task, nil
}
