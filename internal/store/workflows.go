package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateWorkflowRun inserts a new run in status "queued".
func (s *Store) CreateWorkflowRun(ctx context.Context, r *WorkflowRun) error {
	def, err := json.Marshal(r.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	input, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO workflow_runs (run_id, user_uuid, workflow_name, definition, input, status, created_at)
		VALUES (%s)`, s.placeholders(1, 7))
	_, err = s.exec(ctx, query, r.RunID, r.UserUUID, r.WorkflowName, string(def), string(input), RunStatusQueued, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

// GetWorkflowRun fetches a run by id, with bounded polling retry left to
// the caller (the worker's job-initialization step) to tolerate
// commit-visibility lag between enqueue and dequeue.
func (s *Store) GetWorkflowRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	query := fmt.Sprintf(`SELECT run_id, user_uuid, workflow_name, definition, input, status,
		created_at, started_at, completed_at, error_message FROM workflow_runs WHERE run_id = %s`, s.placeholder(1))

	var r WorkflowRun
	var def, input string
	var started, completed sql.NullTime
	var errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, query, runID).Scan(&r.RunID, &r.UserUUID, &r.WorkflowName,
		&def, &input, &r.Status, &r.CreatedAt, &started, &completed, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}

	if err := json.Unmarshal([]byte(def), &r.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := json.Unmarshal([]byte(input), &r.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	r.ErrorMessage = errMsg.String
	return &r, nil
}

// MarkWorkflowRunInProgress sets status=in_progress and started_at=now.
func (s *Store) MarkWorkflowRunInProgress(ctx context.Context, runID string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE workflow_runs SET status = %s, started_at = %s WHERE run_id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.exec(ctx, query, RunStatusInProgress, now, runID)
	return err
}

// CompleteWorkflowRun sets status=completed and completed_at=now.
func (s *Store) CompleteWorkflowRun(ctx context.Context, runID string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE workflow_runs SET status = %s, completed_at = %s WHERE run_id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.exec(ctx, query, RunStatusCompleted, now, runID)
	return err
}

// FailWorkflowRun sets status=failed, completed_at=now, error_message=msg.
func (s *Store) FailWorkflowRun(ctx context.Context, runID, msg string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE workflow_runs SET status = %s, completed_at = %s, error_message = %s WHERE run_id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	_, err := s.exec(ctx, query, RunStatusFailed, now, msg, runID)
	return err
}

// UpsertStageExecution inserts or updates the (run_id, stage_id) row.
func (s *Store) UpsertStageExecution(ctx context.Context, e *StageExecution) error {
	inputJSON, err := json.Marshal(e.InputResolved)
	if err != nil {
		return fmt.Errorf("marshal input_resolved: %w", err)
	}
	var outputJSON []byte
	if e.Output != nil {
		outputJSON, err = json.Marshal(e.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}

	cols := []string{"status", "agent_id_resolved", "input_resolved", "output", "error_message",
		"started_at", "completed_at", "execution_time_ms"}
	query := fmt.Sprintf(`INSERT INTO stage_executions (run_id, stage_id, %s) VALUES (%s) %s`,
		joinCols(cols), s.placeholders(1, len(cols)+2), s.upsertClause2("run_id", "stage_id", cols))

	_, err = s.exec(ctx, query, e.RunID, e.StageID, e.Status, nullString(e.AgentIDResolved),
		string(inputJSON), nullBytes(outputJSON), nullString(e.ErrorMessage), e.StartedAt, e.CompletedAt, e.ExecutionTimeMs)
	if err != nil {
		return fmt.Errorf("upsert stage execution: %w", err)
	}
	return nil
}

// CompletedStageIDs returns the ids of stages with status=completed for a
// run, in no particular order — callers compare against topo order.
func (s *Store) CompletedStageIDs(ctx context.Context, runID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT stage_id FROM stage_executions WHERE run_id = %s AND status = %s`,
		s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, runID, StageStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query completed stages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetStageOutput reads a prior stage's persisted output for template
// resolution (fallback path when the cache misses).
func (s *Store) GetStageOutput(ctx context.Context, runID, stageID string) (map[string]any, error) {
	query := fmt.Sprintf(`SELECT output FROM stage_executions WHERE run_id = %s AND stage_id = %s`,
		s.placeholder(1), s.placeholder(2))
	var outputJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, runID, stageID).Scan(&outputJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stage output: %w", err)
	}
	if !outputJSON.Valid {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(outputJSON.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return out, nil
}

// upsertClause2 is upsertClause for a two-column composite primary key.
func (s *Store) upsertClause2(pk1, pk2 string, cols []string) string {
	switch s.dialect {
	case Postgres:
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		return fmt.Sprintf("ON CONFLICT (%s, %s) DO UPDATE SET %s", pk1, pk2, set)
	case SQLite:
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = excluded.%s", c, c)
		}
		return fmt.Sprintf("ON CONFLICT(%s, %s) DO UPDATE SET %s", pk1, pk2, set)
	default:
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s", set)
	}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
