package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateAgentVersion inserts a draft version row.
func (s *Store) CreateAgentVersion(ctx context.Context, v *AgentVersion) error {
	caps, err := json.Marshal(v.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	cols := []string{"agent_uuid", "version", "endpoint", "capabilities", "status", "traffic_percent",
		"error_rate_per_1000", "error_threshold", "is_rollback_target"}
	query := fmt.Sprintf(`INSERT INTO agent_versions (version_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))
	_, err = s.exec(ctx, query, v.VersionUUID, v.AgentUUID, v.Version, v.Endpoint, string(caps),
		v.Status, v.TrafficPercent, v.ErrorRatePer1000, v.ErrorThreshold, v.IsRollbackTarget)
	if err != nil {
		return fmt.Errorf("create agent version: %w", err)
	}
	return nil
}

// RoutableVersionsForAgent returns the active and canary versions of an
// agent, the candidate set the router's canary split picks from.
func (s *Store) RoutableVersionsForAgent(ctx context.Context, agentUUID string) ([]*AgentVersion, error) {
	query := fmt.Sprintf(`SELECT version_uuid, agent_uuid, version, endpoint, capabilities, status,
		traffic_percent, error_rate_per_1000, error_threshold, is_rollback_target
		FROM agent_versions WHERE agent_uuid = %s AND status IN ('active', 'canary')`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, agentUUID)
	if err != nil {
		return nil, fmt.Errorf("query routable versions: %w", err)
	}
	defer rows.Close()

	var out []*AgentVersion
	for rows.Next() {
		v, err := scanAgentVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetAgentVersionStatus transitions a version (e.g. canary -> active on
// promotion, canary -> rolled_back on breach of error_threshold).
func (s *Store) SetAgentVersionStatus(ctx context.Context, versionUUID, status string) error {
	query := fmt.Sprintf(`UPDATE agent_versions SET status = %s WHERE version_uuid = %s`,
		s.placeholder(1), s.placeholder(2))
	_, err := s.exec(ctx, query, status, versionUUID)
	return err
}

// RecordVersionErrorRate updates the rolling error_rate_per_1000 counter
// the health checker / canary monitor maintains.
func (s *Store) RecordVersionErrorRate(ctx context.Context, versionUUID string, errorRatePer1000 int) error {
	query := fmt.Sprintf(`UPDATE agent_versions SET error_rate_per_1000 = %s WHERE version_uuid = %s`,
		s.placeholder(1), s.placeholder(2))
	_, err := s.exec(ctx, query, errorRatePer1000, versionUUID)
	return err
}

func scanAgentVersion(rows *sql.Rows) (*AgentVersion, error) {
	var v AgentVersion
	var caps string
	if err := rows.Scan(&v.VersionUUID, &v.AgentUUID, &v.Version, &v.Endpoint, &caps, &v.Status,
		&v.TrafficPercent, &v.ErrorRatePer1000, &v.ErrorThreshold, &v.IsRollbackTarget); err != nil {
		return nil, fmt.Errorf("scan agent version: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &v.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &v, nil
}
