package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestrate/internal/cache"
	"github.com/relaykit/orchestrate/internal/store"
)

func newTestChecker(t *testing.T) (*Checker, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := cache.New(false)
	return New(st, c, slog.Default()), st
}

func seedHealthAgent(t *testing.T, st *store.Store, endpoint, status string) *store.Agent {
	t.Helper()
	a := &store.Agent{
		AgentUUID:        uuid.NewString(),
		ExternalID:       uuid.NewString(),
		DisplayName:      "probe-target",
		EndpointURL:      endpoint,
		Capabilities:     []string{"code-review"},
		MaxConcurrent:    1,
		Status:           status,
		RegisteredByUser: "tester",
		AuthSecretHash:   "hash",
	}
	if err := st.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return a
}

func healthServer(t *testing.T, status string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": status, "timestamp": time.Now()})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthyProbeBringsAgentOnline(t *testing.T) {
	c, st := newTestChecker(t)
	srv := healthServer(t, "healthy")
	a := seedHealthAgent(t, st, srv.URL, store.AgentStatusDegraded)

	n, err := c.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 transition, got %d", n)
	}

	reloaded, err := st.GetAgent(context.Background(), a.AgentUUID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != store.AgentStatusOnline {
		t.Fatalf("expected online, got %s", reloaded.Status)
	}
}

func TestUnhealthyProbeDegradesOnlineAgent(t *testing.T) {
	c, st := newTestChecker(t)
	srv := healthServer(t, "sick")
	a := seedHealthAgent(t, st, srv.URL, store.AgentStatusOnline)

	if _, err := c.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	reloaded, err := st.GetAgent(context.Background(), a.AgentUUID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != store.AgentStatusDegraded {
		t.Fatalf("expected degraded, got %s", reloaded.Status)
	}
}

func TestUnreachableProbeOffliesAlreadyDegradedAgent(t *testing.T) {
	c, st := newTestChecker(t)
	a := seedHealthAgent(t, st, "http://127.0.0.1:1", store.AgentStatusDegraded)

	if _, err := c.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	reloaded, err := st.GetAgent(context.Background(), a.AgentUUID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != store.AgentStatusOffline {
		t.Fatalf("expected offline, got %s", reloaded.Status)
	}
}

func TestNoStatusChangeReportsNoTransition(t *testing.T) {
	c, st := newTestChecker(t)
	srv := healthServer(t, "healthy")
	seedHealthAgent(t, st, srv.URL, store.AgentStatusOnline)

	n, err := c.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 transitions when already online, got %d", n)
	}
}
