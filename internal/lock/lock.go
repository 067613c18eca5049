// Package lock implements resource-lock acquire/release/extend semantics
// arbitrated by Consul sessions, with internal/store's resource_locks
// table kept as the durable audit trail of who held what and when.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"

	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/pkg/observability"
)

// SessionBackend is the arbitration primitive a lock is built on: create a
// TTL'd session, attempt to hold a key under it, release the key, and
// destroy the session. ConsulBackend implements this for production;
// MemoryBackend backs tests without a running Consul agent.
type SessionBackend interface {
	CreateSession(ctx context.Context, ttl time.Duration) (string, error)
	Acquire(ctx context.Context, key, sessionID string) (bool, error)
	Release(ctx context.Context, key, sessionID string) error
	RenewSession(ctx context.Context, sessionID string, ttl time.Duration) error
	DestroySession(ctx context.Context, sessionID string) error
}

// ConsulBackend arbitrates locks via Consul KV-session acquisition.
type ConsulBackend struct {
	client *consulapi.Client
}

// NewConsulBackend dials Consul using cfg (nil for the library default,
// honoring CONSUL_HTTP_ADDR).
func NewConsulBackend(cfg *consulapi.Config) (*ConsulBackend, error) {
	if cfg == nil {
		cfg = consulapi.DefaultConfig()
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial consul: %w", err)
	}
	return &ConsulBackend{client: client}, nil
}

func (c *ConsulBackend) CreateSession(ctx context.Context, ttl time.Duration) (string, error) {
	entry := &consulapi.SessionEntry{
		Name:     "orchestrate-resource-lock",
		TTL:      ttl.String(),
		Behavior: consulapi.SessionBehaviorDelete,
	}
	id, _, err := c.client.Session().CreateNoChecks(entry, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create consul session: %w", err)
	}
	return id, nil
}

func (c *ConsulBackend) Acquire(ctx context.Context, key, sessionID string) (bool, error) {
	ok, _, err := c.client.KV().Acquire(&consulapi.KVPair{Key: key, Session: sessionID},
		(&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("acquire consul kv: %w", err)
	}
	return ok, nil
}

func (c *ConsulBackend) Release(ctx context.Context, key, sessionID string) error {
	_, _, err := c.client.KV().Release(&consulapi.KVPair{Key: key, Session: sessionID},
		(&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("release consul kv: %w", err)
	}
	return nil
}

func (c *ConsulBackend) RenewSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	_, _, err := c.client.Session().Renew(sessionID, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("renew consul session: %w", err)
	}
	return nil
}

func (c *ConsulBackend) DestroySession(ctx context.Context, sessionID string) error {
	_, err := c.client.Session().Destroy(sessionID, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("destroy consul session: %w", err)
	}
	return nil
}

// Manager arbitrates resource locks, persisting the outcome of every
// transition as an audit trail row in internal/store.
type Manager struct {
	store   *store.Store
	backend SessionBackend
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]string // lock_uuid -> arbitration session id
}

// New constructs a Manager backed by the given arbitration backend.
func New(st *store.Store, backend SessionBackend) *Manager {
	return &Manager{store: st, backend: backend, sessions: make(map[string]string)}
}

// SetMetrics attaches a Prometheus recorder for acquisition outcomes. A nil
// metrics value (the default) makes every recording a no-op.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func resourceKey(resourceType, resourceID string) string {
	return "orchestrate/locks/" + resourceType + "/" + resourceID
}

// Acquire expires a stale active
// lock first; extend idempotently if the same owner re-acquires; fail with
// RESOURCE_LOCKED if another owner holds it; otherwise take a fresh lock.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID, ownerAgent, conflictStrategy, contentHash string, timeoutSeconds int) (*store.ResourceLock, error) {
	existing, err := m.store.ActiveLockForResource(ctx, resourceType, resourceID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("load active lock: %w", err)
	}

	now := time.Now().UTC()
	if existing != nil && now.After(existing.ExpiresAt) {
		if err := m.store.ReleaseLock(ctx, existing.LockUUID, store.LockExpired, now); err != nil {
			return nil, fmt.Errorf("expire stale lock: %w", err)
		}
		m.releaseSession(ctx, resourceKey(resourceType, resourceID), existing.LockUUID)
		existing = nil
	}

	timeout := time.Duration(timeoutSeconds) * time.Second
	if existing != nil {
		if existing.OwnerAgent != ownerAgent {
			m.metrics.RecordLockConflict(resourceType)
			m.metrics.RecordLockAcquisition(resourceType, "conflict")
			return nil, apierr.New(apierr.Conflict, "resource %s/%s is locked by %s", resourceType, resourceID, existing.OwnerAgent).
				WithCode("RESOURCE_LOCKED").WithAgent(existing.OwnerAgent)
		}
		if sessionID, ok := m.sessionFor(existing.LockUUID); ok {
			if err := m.backend.RenewSession(ctx, sessionID, timeout); err != nil {
				return nil, fmt.Errorf("renew arbitration session: %w", err)
			}
		}
		existing.Version++
		existing.ExpiresAt = now.Add(timeout)
		if err := m.store.ExtendLock(ctx, existing.LockUUID, existing.Version, existing.ExpiresAt); err != nil {
			return nil, fmt.Errorf("extend lock: %w", err)
		}
		m.metrics.RecordLockAcquisition(resourceType, "extended")
		return existing, nil
	}

	sessionID, err := m.backend.CreateSession(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("create arbitration session: %w", err)
	}
	key := resourceKey(resourceType, resourceID)
	acquired, err := m.backend.Acquire(ctx, key, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire arbitration key: %w", err)
	}
	if !acquired {
		_ = m.backend.DestroySession(ctx, sessionID)
		m.metrics.RecordLockConflict(resourceType)
		m.metrics.RecordLockAcquisition(resourceType, "conflict")
		return nil, apierr.New(apierr.Conflict, "resource %s/%s is locked", resourceType, resourceID).
			WithCode("RESOURCE_LOCKED")
	}

	l := &store.ResourceLock{
		LockUUID:         uuid.NewString(),
		ResourceType:     resourceType,
		ResourceID:       resourceID,
		OwnerAgent:       ownerAgent,
		Status:           store.LockActive,
		ConflictStrategy: conflictStrategy,
		ContentHash:      contentHash,
		Version:          1,
		AcquiredAt:       now,
		ExpiresAt:        now.Add(timeout),
	}
	if err := m.store.InsertLockRecord(ctx, l); err != nil {
		_ = m.backend.Release(ctx, key, sessionID)
		_ = m.backend.DestroySession(ctx, sessionID)
		return nil, fmt.Errorf("persist lock record: %w", err)
	}
	m.trackSession(l.LockUUID, sessionID)
	m.metrics.RecordLockAcquisition(resourceType, "acquired")
	return l, nil
}

// Release marks lockUUID released, only if owned by ownerAgent, and tears
// down its arbitration session.
func (m *Manager) Release(ctx context.Context, lockUUID, ownerAgent string) error {
	l, err := m.store.GetLock(ctx, lockUUID)
	if err != nil {
		return err
	}
	if l.OwnerAgent != ownerAgent {
		return apierr.New(apierr.Authorization, "lock %s is not owned by %s", lockUUID, ownerAgent)
	}
	if l.Status != store.LockActive {
		return nil
	}
	if err := m.store.ReleaseLock(ctx, lockUUID, store.LockReleased, time.Now().UTC()); err != nil {
		return err
	}
	m.releaseSession(ctx, resourceKey(l.ResourceType, l.ResourceID), lockUUID)
	return nil
}

func (m *Manager) trackSession(lockUUID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[lockUUID] = sessionID
}

func (m *Manager) sessionFor(lockUUID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessions[lockUUID]
	return id, ok
}

// releaseSession tears down the arbitration session backing lockUUID, if
// this Manager instance created it. A lock left over from a previous
// process has no tracked session; its backend key is reclaimed when the
// underlying session's own TTL elapses.
func (m *Manager) releaseSession(ctx context.Context, key, lockUUID string) {
	m.mu.Lock()
	sessionID, ok := m.sessions[lockUUID]
	delete(m.sessions, lockUUID)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.backend.Release(ctx, key, sessionID)
	_ = m.backend.DestroySession(ctx, sessionID)
}

// DetectConflict implements the optimistic check: true when the lock's
// recorded content_hash differs from currentHash.
func (m *Manager) DetectConflict(ctx context.Context, lockUUID, currentHash string) (bool, error) {
	l, err := m.store.GetLock(ctx, lockUUID)
	if err != nil {
		return false, err
	}
	return l.ContentHash != currentHash, nil
}
