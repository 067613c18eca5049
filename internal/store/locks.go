package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertLockRecord writes the audit-trail row for a lock acquired through
// Consul sessions (internal/lock); the SQL table is the durable record
// queried by dashboards, not the arbitration mechanism itself.
func (s *Store) InsertLockRecord(ctx context.Context, l *ResourceLock) error {
	cols := []string{"resource_type", "resource_id", "owner_agent", "status", "conflict_strategy",
		"content_hash", "version", "acquired_at", "expires_at"}
	query := fmt.Sprintf(`INSERT INTO resource_locks (lock_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))
	_, err := s.exec(ctx, query, l.LockUUID, l.ResourceType, l.ResourceID, l.OwnerAgent, l.Status,
		l.ConflictStrategy, nullString(l.ContentHash), l.Version, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert lock record: %w", err)
	}
	return nil
}

// GetLock fetches a lock by id regardless of status, used by release and
// optimistic-conflict checks.
func (s *Store) GetLock(ctx context.Context, lockUUID string) (*ResourceLock, error) {
	query := fmt.Sprintf(`SELECT lock_uuid, resource_type, resource_id, owner_agent, status,
		conflict_strategy, content_hash, version, acquired_at, expires_at, released_at
		FROM resource_locks WHERE lock_uuid = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, lockUUID)
	return scanLock(row)
}

// ExtendLock bumps a lock's version and expiry for an idempotent re-acquire
// by its current owner.
func (s *Store) ExtendLock(ctx context.Context, lockUUID string, version int, expiresAt time.Time) error {
	query := fmt.Sprintf(`UPDATE resource_locks SET version = %s, expires_at = %s WHERE lock_uuid = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.exec(ctx, query, version, expiresAt, lockUUID)
	return err
}

// ActiveLockForResource returns the current active lock on a resource, if any.
func (s *Store) ActiveLockForResource(ctx context.Context, resourceType, resourceID string) (*ResourceLock, error) {
	query := fmt.Sprintf(`SELECT lock_uuid, resource_type, resource_id, owner_agent, status,
		conflict_strategy, content_hash, version, acquired_at, expires_at, released_at
		FROM resource_locks WHERE resource_type = %s AND resource_id = %s AND status = %s
		ORDER BY acquired_at DESC`, s.placeholder(1), s.placeholder(2), s.placeholder(3))
	row := s.db.QueryRowContext(ctx, query, resourceType, resourceID, LockActive)
	return scanLock(row)
}

// ReleaseLock marks a lock released (or expired) at the given time.
func (s *Store) ReleaseLock(ctx context.Context, lockUUID, status string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE resource_locks SET status = %s, released_at = %s WHERE lock_uuid = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.exec(ctx, query, status, at, lockUUID)
	return err
}

func scanLock(row *sql.Row) (*ResourceLock, error) {
	var l ResourceLock
	var contentHash sql.NullString
	var releasedAt sql.NullTime

	err := row.Scan(&l.LockUUID, &l.ResourceType, &l.ResourceID, &l.OwnerAgent, &l.Status,
		&l.ConflictStrategy, &contentHash, &l.Version, &l.AcquiredAt, &l.ExpiresAt, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lock: %w", err)
	}
	l.ContentHash = contentHash.String
	if releasedAt.Valid {
		l.ReleasedAt = &releasedAt.Time
	}
	return &l, nil
}
