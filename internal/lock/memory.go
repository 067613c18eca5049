package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is a SessionBackend backed by an in-process map, used in
// place of Consul for local development and tests. It does not expire
// sessions on its own; callers rely on internal/store's expires_at check
// in Manager.Acquire instead, matching how a Consul session's TTL would be
// re-derived from the durable record after a process restart.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]bool
	keys     map[string]string // key -> sessionID holding it
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]bool), keys: make(map[string]string)}
}

func (m *MemoryBackend) CreateSession(ctx context.Context, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.sessions[id] = true
	return id, nil
}

func (m *MemoryBackend) Acquire(ctx context.Context, key, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, held := m.keys[key]; held && holder != sessionID {
		return false, nil
	}
	m.keys[key] = sessionID
	return true, nil
}

func (m *MemoryBackend) Release(ctx context.Context, key, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == sessionID {
		delete(m.keys, key)
	}
	return nil
}

func (m *MemoryBackend) RenewSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	return nil
}

func (m *MemoryBackend) DestroySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	for k, v := range m.keys {
		if v == sessionID {
			delete(m.keys, k)
		}
	}
	return nil
}
