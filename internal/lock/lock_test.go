package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, NewMemoryBackend())
}

func TestAcquireGrantsFreshLock(t *testing.T) {
	m := newTestManager(t)
	l, err := m.Acquire(context.Background(), "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 60)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Status != store.LockActive || l.Version != 1 {
		t.Fatalf("unexpected lock: %+v", l)
	}
}

func TestAcquireByOtherOwnerFailsWithConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 60); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err := m.Acquire(ctx, "file", "doc-1", "agent-2", store.ConflictFail, "hash1", 60)
	if err == nil {
		t.Fatal("expected conflict for other owner")
	}
	if apierr.KindOf(err) != apierr.Conflict {
		t.Fatalf("expected conflict kind, got %s", apierr.KindOf(err))
	}
}

func TestAcquireBySameOwnerExtendsIdempotently(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	first, err := m.Acquire(ctx, "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 60)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	second, err := m.Acquire(ctx, "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 60)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if second.LockUUID != first.LockUUID {
		t.Fatalf("expected same lock row extended, got a new one")
	}
	if second.Version != first.Version+1 {
		t.Fatalf("expected version bump, got %d -> %d", first.Version, second.Version)
	}
}

func TestAcquireAfterExpiryGrantsToNewOwner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	l, err := m.Acquire(ctx, "file", "doc-1", "agent-2", store.ConflictFail, "hash2", 60)
	if err != nil {
		t.Fatalf("expected fresh acquire after expiry, got error: %v", err)
	}
	if l.OwnerAgent != "agent-2" {
		t.Fatalf("expected new owner, got %s", l.OwnerAgent)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	l, err := m.Acquire(ctx, "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 60)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := m.Release(ctx, l.LockUUID, "agent-2"); err == nil {
		t.Fatal("expected authorization error releasing another owner's lock")
	}
	if err := m.Release(ctx, l.LockUUID, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestDetectConflictComparesContentHash(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	l, err := m.Acquire(ctx, "file", "doc-1", "agent-1", store.ConflictFail, "hash1", 60)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	same, err := m.DetectConflict(ctx, l.LockUUID, "hash1")
	if err != nil {
		t.Fatalf("detect conflict: %v", err)
	}
	if same {
		t.Fatal("expected no conflict for matching hash")
	}

	changed, err := m.DetectConflict(ctx, l.LockUUID, "hash2")
	if err != nil {
		t.Fatalf("detect conflict: %v", err)
	}
	if !changed {
		t.Fatal("expected conflict for differing hash")
	}
}
