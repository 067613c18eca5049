package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	agent    *store.Agent
	statuses []string
}

func (f *fakeStore) GetAgent(ctx context.Context, agentUUID string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agent == nil || f.agent.AgentUUID != agentUUID {
		return nil, store.ErrNotFound
	}
	cp := *f.agent
	return &cp, nil
}

func (f *fakeStore) SetAgentStatus(ctx context.Context, agentUUID, status string, wsConnected bool, heartbeat time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func newTestServer(t *testing.T, g *Gateway, agentUUID string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.Upgrade(w, r)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		if err := g.HandleConnect(r.Context(), conn, agentUUID); err != nil {
			t.Logf("handle connect: %v", err)
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestConnectMarksAgentOnline(t *testing.T) {
	st := &fakeStore{agent: &store.Agent{AgentUUID: "agent-1", TeamUUID: "team-1"}}
	b := bus.New(slog.Default())
	g := New(st, b, slog.Default())

	srv, wsURL := newTestServer(t, g, "agent-1")
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st.mu.Lock()
		n := len(st.statuses)
		st.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.statuses) == 0 || st.statuses[0] != store.AgentStatusOnline {
		t.Fatalf("expected agent marked online, got %v", st.statuses)
	}
}

func TestSecondConnectionTakesOverFirst(t *testing.T) {
	st := &fakeStore{agent: &store.Agent{AgentUUID: "agent-1", TeamUUID: "team-1"}}
	b := bus.New(slog.Default())
	g := New(st, b, slog.Default())

	srv, wsURL := newTestServer(t, g, "agent-1")
	defer srv.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	time.Sleep(50 * time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = first.ReadMessage()
	if err == nil {
		t.Fatalf("expected close error on takeover")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected websocket.CloseError, got %v (%T)", err, err)
	}
	if closeErr.Code != CloseReplaced {
		t.Fatalf("expected close code %d, got %d", CloseReplaced, closeErr.Code)
	}
}

func TestPushTaskDeliversFrameToConnectedAgent(t *testing.T) {
	st := &fakeStore{agent: &store.Agent{AgentUUID: "agent-1", TeamUUID: "team-1"}}
	b := bus.New(slog.Default())
	g := New(st, b, slog.Default())

	srv, wsURL := newTestServer(t, g, "agent-1")
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	if !g.PushTask("agent-1", map[string]any{"task_uuid": "t1"}) {
		t.Fatal("expected push to succeed")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	if frame.Type != "task:push" {
		t.Fatalf("expected task:push, got %+v", frame)
	}
}

func TestPushTaskToUnconnectedAgentReturnsFalse(t *testing.T) {
	st := &fakeStore{}
	b := bus.New(slog.Default())
	g := New(st, b, slog.Default())

	if g.PushTask("nonexistent", nil) {
		t.Fatal("expected push to unconnected agent to fail")
	}
}
