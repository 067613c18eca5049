package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateApprovalGate inserts a pending gate.
func (s *Store) CreateApprovalGate(ctx context.Context, g *ApprovalGate) error {
	approvers, err := json.Marshal(g.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	cols := []string{"team_uuid", "title", "status", "approvers", "requested_by_agent",
		"requested_by_user", "task_uuid", "expires_at"}
	query := fmt.Sprintf(`INSERT INTO approval_gates (gate_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))
	_, err = s.exec(ctx, query, g.GateUUID, g.TeamUUID, g.Title, g.Status, string(approvers),
		nullString(g.RequestedByAgent), nullString(g.RequestedByUser), nullString(g.TaskUUID), g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create approval gate: %w", err)
	}
	return nil
}

// GetApprovalGate fetches a gate by id.
func (s *Store) GetApprovalGate(ctx context.Context, gateUUID string) (*ApprovalGate, error) {
	query := fmt.Sprintf(`SELECT gate_uuid, team_uuid, title, status, approvers, requested_by_agent,
		requested_by_user, task_uuid, expires_at, responded_by, response_note
		FROM approval_gates WHERE gate_uuid = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, gateUUID)
	return scanApprovalGate(row)
}

// RespondApprovalGate records an approve/reject decision.
func (s *Store) RespondApprovalGate(ctx context.Context, gateUUID, status, respondedBy, note string) error {
	query := fmt.Sprintf(`UPDATE approval_gates SET status = %s, responded_by = %s, response_note = %s
		WHERE gate_uuid = %s`, s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	_, err := s.exec(ctx, query, status, respondedBy, nullString(note), gateUUID)
	return err
}

// ExpiredPendingGates returns gates in status=pending whose expires_at has
// elapsed, for the expiry sweep.
func (s *Store) ExpiredPendingGates(ctx context.Context, now time.Time) ([]*ApprovalGate, error) {
	query := fmt.Sprintf(`SELECT gate_uuid, team_uuid, title, status, approvers, requested_by_agent,
		requested_by_user, task_uuid, expires_at, responded_by, response_note
		FROM approval_gates WHERE status = %s AND expires_at IS NOT NULL AND expires_at <= %s`,
		s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, ApprovalPending, now)
	if err != nil {
		return nil, fmt.Errorf("query expired gates: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalGate
	for rows.Next() {
		g, err := scanApprovalGateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanApprovalGate(row *sql.Row) (*ApprovalGate, error) {
	var g ApprovalGate
	var approvers string
	var requestedByAgent, requestedByUser, taskUUID, respondedBy, responseNote sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&g.GateUUID, &g.TeamUUID, &g.Title, &g.Status, &approvers, &requestedByAgent,
		&requestedByUser, &taskUUID, &expiresAt, &respondedBy, &responseNote)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval gate: %w", err)
	}
	return finishApprovalGate(&g, approvers, requestedByAgent, requestedByUser, taskUUID, respondedBy, responseNote, expiresAt)
}

func scanApprovalGateRows(rows *sql.Rows) (*ApprovalGate, error) {
	var g ApprovalGate
	var approvers string
	var requestedByAgent, requestedByUser, taskUUID, respondedBy, responseNote sql.NullString
	var expiresAt sql.NullTime

	if err := rows.Scan(&g.GateUUID, &g.TeamUUID, &g.Title, &g.Status, &approvers, &requestedByAgent,
		&requestedByUser, &taskUUID, &expiresAt, &respondedBy, &responseNote); err != nil {
		return nil, fmt.Errorf("scan approval gate: %w", err)
	}
	return finishApprovalGate(&g, approvers, requestedByAgent, requestedByUser, taskUUID, respondedBy, responseNote, expiresAt)
}

func finishApprovalGate(g *ApprovalGate, approvers string, requestedByAgent, requestedByUser, taskUUID, respondedBy, responseNote sql.NullString, expiresAt sql.NullTime) (*ApprovalGate, error) {
	if err := json.Unmarshal([]byte(approvers), &g.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	g.RequestedByAgent = requestedByAgent.String
	g.RequestedByUser = requestedByUser.String
	g.TaskUUID = taskUUID.String
	g.RespondedBy = respondedBy.String
	g.ResponseNote = responseNote.String
	if expiresAt.Valid {
		g.ExpiresAt = &expiresAt.Time
	}
	return g, nil
}
