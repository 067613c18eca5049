package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateTask inserts a new kanban task.
func (s *Store) CreateTask(ctx context.Context, t *KanbanTask) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	var mapping []byte
	if t.InputMapping != nil {
		mapping, err = json.Marshal(t.InputMapping)
		if err != nil {
			return fmt.Errorf("marshal input_mapping: %w", err)
		}
	}

	cols := []string{"team_uuid", "title", "description", "status", "priority", "tags",
		"assigned_agent", "created_by_agent", "created_by_user", "depends_on", "input_mapping",
		"timeout_ms", "retry_count", "max_retries"}
	query := fmt.Sprintf(`INSERT INTO kanban_tasks (task_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))

	_, err = s.exec(ctx, query, t.TaskUUID, t.TeamUUID, t.Title, nullString(t.Description), t.Status,
		t.Priority, string(tags), nullString(t.AssignedAgent), nullString(t.CreatedByAgent),
		nullString(t.CreatedByUser), string(deps), nullBytes(mapping), t.TimeoutMs, t.RetryCount, t.MaxRetries)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskUUID string) (*KanbanTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM kanban_tasks WHERE task_uuid = %s`, taskColumns, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, taskUUID)
	return scanTask(row)
}

const taskColumns = `task_uuid, team_uuid, title, description, status, priority, tags, assigned_agent,
	created_by_agent, created_by_user, depends_on, input_mapping, timeout_ms, retry_count, max_retries,
	started_at, completed_at, progress_current, progress_total, progress_message, output, last_error`

func scanTask(s rowScanner) (*KanbanTask, error) {
	var t KanbanTask
	var description, assigned, createdByAgent, createdByUser, mapping, progressMsg, output, lastErr sql.NullString
	var tags, deps string
	var timeoutMs, progCurrent, progTotal sql.NullInt64
	var started, completed sql.NullTime

	err := s.Scan(&t.TaskUUID, &t.TeamUUID, &t.Title, &description, &t.Status, &t.Priority, &tags,
		&assigned, &createdByAgent, &createdByUser, &deps, &mapping, &timeoutMs, &t.RetryCount, &t.MaxRetries,
		&started, &completed, &progCurrent, &progTotal, &progressMsg, &output, &lastErr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if mapping.Valid {
		if err := json.Unmarshal([]byte(mapping.String), &t.InputMapping); err != nil {
			return nil, fmt.Errorf("unmarshal input_mapping: %w", err)
		}
	}
	if output.Valid {
		if err := json.Unmarshal([]byte(output.String), &t.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}

	t.Description = description.String
	t.AssignedAgent = assigned.String
	t.CreatedByAgent = createdByAgent.String
	t.CreatedByUser = createdByUser.String
	t.ProgressMessage = progressMsg.String
	t.LastError = lastErr.String
	if timeoutMs.Valid {
		v := int(timeoutMs.Int64)
		t.TimeoutMs = &v
	}
	if progCurrent.Valid {
		v := int(progCurrent.Int64)
		t.ProgressCurrent = &v
	}
	if progTotal.Valid {
		v := int(progTotal.Int64)
		t.ProgressTotal = &v
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

// UpdateTask persists the full row, used by every status-transition method
// in internal/kanban after it mutates the in-memory struct.
func (s *Store) UpdateTask(ctx context.Context, t *KanbanTask) error {
	var mapping, output []byte
	var err error
	if t.InputMapping != nil {
		mapping, err = json.Marshal(t.InputMapping)
		if err != nil {
			return fmt.Errorf("marshal input_mapping: %w", err)
		}
	}
	if t.Output != nil {
		output, err = json.Marshal(t.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}

	query := fmt.Sprintf(`UPDATE kanban_tasks SET description = %s, status = %s, assigned_agent = %s,
		depends_on = %s, input_mapping = %s, retry_count = %s, started_at = %s, completed_at = %s,
		progress_current = %s, progress_total = %s, progress_message = %s, output = %s, last_error = %s
		WHERE task_uuid = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10),
		s.placeholder(11), s.placeholder(12), s.placeholder(13), s.placeholder(14))

	depsJSON, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = s.exec(ctx, query, nullString(t.Description), t.Status, nullString(t.AssignedAgent),
		string(depsJSON), nullBytes(mapping), t.RetryCount, t.StartedAt, t.CompletedAt,
		t.ProgressCurrent, t.ProgressTotal, nullString(t.ProgressMessage), nullBytes(output),
		nullString(t.LastError), t.TaskUUID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// BacklogTasksDependingOn returns same-team tasks in status=backlog whose
// depends_on contains completedTaskUUID, for dependency unblocking.
func (s *Store) BacklogTasksDependingOn(ctx context.Context, teamUUID, completedTaskUUID string) ([]*KanbanTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM kanban_tasks WHERE team_uuid = %s AND status = %s`,
		taskColumns, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, teamUUID, TaskStatusBacklog)
	if err != nil {
		return nil, fmt.Errorf("query backlog tasks: %w", err)
	}
	defer rows.Close()

	var out []*KanbanTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if containsString(t.DependsOn, completedTaskUUID) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

// InProgressTasksPastTimeout finds tasks due for the timeout sweep.
func (s *Store) InProgressTasksPastTimeout(ctx context.Context, now time.Time) ([]*KanbanTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM kanban_tasks WHERE status = %s AND timeout_ms IS NOT NULL AND started_at IS NOT NULL`,
		taskColumns, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, TaskStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("query timed-out tasks: %w", err)
	}
	defer rows.Close()

	var out []*KanbanTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.StartedAt == nil || t.TimeoutMs == nil {
			continue
		}
		deadline := t.StartedAt.Add(time.Duration(*t.TimeoutMs) * time.Millisecond)
		if now.After(deadline) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}
