package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertAgent inserts or updates an agent by agent_uuid.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	cols := []string{"external_id", "display_name", "endpoint_url", "capabilities", "max_concurrent",
		"status", "ws_connected", "last_heartbeat", "team_uuid", "registered_by_user",
		"auth_secret_hash", "auth_secret_ciphertext", "soft_deleted_at"}
	query := fmt.Sprintf(`INSERT INTO agents (agent_uuid, %s)
		VALUES (%s) %s`,
		joinCols(cols), s.placeholders(1, len(cols)+1), s.upsertClause("agent_uuid", cols))

	_, err = s.exec(ctx, query,
		a.AgentUUID, a.ExternalID, a.DisplayName, a.EndpointURL, string(caps), a.MaxConcurrent,
		a.Status, a.WSConnected, a.LastHeartbeat, nullString(a.TeamUUID), a.RegisteredByUser,
		a.AuthSecretHash, nullString(a.AuthSecretCiphertext), a.SoftDeletedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent fetches a non-deleted agent by id.
func (s *Store) GetAgent(ctx context.Context, agentUUID string) (*Agent, error) {
	query := fmt.Sprintf(`SELECT agent_uuid, external_id, display_name, endpoint_url, capabilities,
		max_concurrent, status, ws_connected, last_heartbeat, team_uuid, registered_by_user,
		auth_secret_hash, auth_secret_ciphertext, soft_deleted_at
		FROM agents WHERE agent_uuid = %s AND soft_deleted_at IS NULL`, s.placeholder(1))

	row := s.db.QueryRowContext(ctx, query, agentUUID)
	return scanAgent(row)
}

// SetAgentStatus updates status/ws_connected/last_heartbeat, called by the
// gateway and health checker on transitions.
func (s *Store) SetAgentStatus(ctx context.Context, agentUUID, status string, wsConnected bool, heartbeat time.Time) error {
	query := fmt.Sprintf(`UPDATE agents SET status = %s, ws_connected = %s, last_heartbeat = %s
		WHERE agent_uuid = %s`, s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	_, err := s.exec(ctx, query, status, wsConnected, heartbeat, agentUUID)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// CandidateAgentsForCapability runs the candidate query: online or
// degraded, not soft-deleted, capability set contains capability, excluding
// the given agent ids.
func (s *Store) CandidateAgentsForCapability(ctx context.Context, capability string, exclude []string) ([]*Agent, error) {
	query := `SELECT agent_uuid, external_id, display_name, endpoint_url, capabilities,
		max_concurrent, status, ws_connected, last_heartbeat, team_uuid, registered_by_user,
		auth_secret_hash, auth_secret_ciphertext, soft_deleted_at
		FROM agents WHERE soft_deleted_at IS NULL AND status IN ('online', 'degraded')`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query candidate agents: %w", err)
	}
	defer rows.Close()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		if excluded[a.AgentUUID] {
			continue
		}
		if !containsString(a.Capabilities, capability) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveAgents returns every non-deleted agent, for the health checker's
// probe sweep.
func (s *Store) ActiveAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT agent_uuid, external_id, display_name, endpoint_url, capabilities,
		max_concurrent, status, ws_connected, last_heartbeat, team_uuid, registered_by_user,
		auth_secret_hash, auth_secret_ciphertext, soft_deleted_at
		FROM agents WHERE soft_deleted_at IS NULL`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row *sql.Row) (*Agent, error) {
	return scanAgentGeneric(row)
}

func scanAgentRows(rows *sql.Rows) (*Agent, error) {
	return scanAgentGeneric(rows)
}

func scanAgentGeneric(s rowScanner) (*Agent, error) {
	var a Agent
	var caps string
	var teamUUID, ciphertext sql.NullString
	var heartbeat, softDeleted sql.NullTime

	err := s.Scan(&a.AgentUUID, &a.ExternalID, &a.DisplayName, &a.EndpointURL, &caps,
		&a.MaxConcurrent, &a.Status, &a.WSConnected, &heartbeat, &teamUUID, &a.RegisteredByUser,
		&a.AuthSecretHash, &ciphertext, &softDeleted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	a.TeamUUID = teamUUID.String
	a.AuthSecretCiphertext = ciphertext.String
	if heartbeat.Valid {
		a.LastHeartbeat = &heartbeat.Time
	}
	if softDeleted.Valid {
		a.SoftDeletedAt = &softDeleted.Time
	}
	return &a, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
