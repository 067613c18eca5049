package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertAuditRecord appends a record. Audit rows are never updated or
// deleted once written.
func (s *Store) InsertAuditRecord(ctx context.Context, r *AuditRecord) error {
	cols := []string{"run_id", "stage_id", "agent_id", "action", "status", "input_hash",
		"output_hash", "logged_at", "sig_algorithm", "sig_signer", "sig_value", "sig_timestamp"}
	query := fmt.Sprintf(`INSERT INTO audit_records (audit_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))

	var sigAlg, sigSigner, sigValue any
	var sigTimestamp any
	if r.Signature != nil {
		sigAlg = r.Signature.Algorithm
		sigSigner = r.Signature.Signer
		sigValue = r.Signature.Value
		sigTimestamp = r.Signature.Timestamp
	}

	_, err := s.exec(ctx, query, r.AuditUUID, r.RunID, r.StageID, r.AgentID, r.Action, r.Status,
		r.InputHash, r.OutputHash, r.LoggedAt, sigAlg, sigSigner, sigValue, sigTimestamp)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// AuditRecordsForRun returns every record for a run in insertion order,
// the sequence a chain verifier walks.
func (s *Store) AuditRecordsForRun(ctx context.Context, runID string) ([]*AuditRecord, error) {
	query := fmt.Sprintf(`SELECT audit_uuid, run_id, stage_id, agent_id, action, status, input_hash,
		output_hash, logged_at, sig_algorithm, sig_signer, sig_value, sig_timestamp
		FROM audit_records WHERE run_id = %s ORDER BY logged_at ASC, audit_uuid ASC`, s.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		var sigAlg, sigSigner, sigValue sql.NullString
		var sigTimestamp sql.NullTime

		if err := rows.Scan(&r.AuditUUID, &r.RunID, &r.StageID, &r.AgentID, &r.Action, &r.Status,
			&r.InputHash, &r.OutputHash, &r.LoggedAt, &sigAlg, &sigSigner, &sigValue, &sigTimestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if sigAlg.Valid {
			r.Signature = &AuditSignature{
				Algorithm: sigAlg.String,
				Signer:    sigSigner.String,
				Value:     sigValue.String,
				Timestamp: sigTimestamp.Time,
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
