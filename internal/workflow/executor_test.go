package workflow

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaykit/orchestrate/internal/agentclient"
	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/cache"
	"github.com/relaykit/orchestrate/internal/router"
	"github.com/relaykit/orchestrate/internal/store"
)

type fakeAgentResolver struct {
	calls     int32
	failTimes int32
	retryable bool
	output    map[string]any
}

func (f *fakeAgentResolver) Execute(ctx context.Context, endpoint, bearer, externalAgentID string, req agentclient.ExecuteRequest, timeout time.Duration) (*agentclient.ExecuteResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		kind := apierr.Permanent
		if f.retryable {
			kind = apierr.Transient
		}
		return nil, apierr.New(kind, "synthetic failure").WithAgent(externalAgentID)
	}
	return &agentclient.ExecuteResponse{Status: "success", Output: f.output, ExecutionTimeMs: 1}, nil
}

func (f *fakeAgentResolver) DecryptSecret(ciphertext []byte) (string, error) { return "token", nil }

func newTestWorker(t *testing.T, agent AgentResolver, mode string) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := cache.New(false)
	rt := router.New(st, c, slog.Default())
	b := bus.New(slog.Default())
	return New(st, rt, agent, c, nil, b, slog.Default(), mode), st
}

func seedWorkerAgent(t *testing.T, st *store.Store, id string) {
	t.Helper()
	a := &store.Agent{
		AgentUUID: id, ExternalID: id, DisplayName: id, EndpointURL: "http://" + id,
		Capabilities: []string{"summarize"}, MaxConcurrent: 2, Status: store.AgentStatusOnline,
		RegisteredByUser: "u", AuthSecretHash: "h",
	}
	if err := st.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func seedRun(t *testing.T, st *store.Store, runID string, stages []store.StageDefinition, input map[string]any) {
	t.Helper()
	run := &store.WorkflowRun{
		RunID: runID, UserUUID: "user-1", WorkflowName: "test",
		Definition: store.WorkflowDefinition{Stages: stages}, Input: input, CreatedAt: time.Now(),
	}
	if err := st.CreateWorkflowRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func TestRunJobMockModeBypassesDispatch(t *testing.T) {
	w, st := newTestWorker(t, &fakeAgentResolver{}, DispatchModeMock)
	seedRun(t, st, "run-1", []store.StageDefinition{{ID: "s1", Capability: "summarize"}}, map[string]any{})

	if err := w.RunJob(context.Background(), "run-1"); err != nil {
		t.Fatalf("run job: %v", err)
	}

	run, err := st.GetWorkflowRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
}

func TestRunJobSucceedsAfterRetryableFailures(t *testing.T) {
	agent := &fakeAgentResolver{failTimes: 1, retryable: true, output: map[string]any{"ok": true}}
	w, st := newTestWorker(t, agent, "")
	seedWorkerAgent(t, st, "agent-1")
	seedRun(t, st, "run-2", []store.StageDefinition{{ID: "s1", Capability: "summarize",
		RetryConfig: store.RetryConfig{MaxRetries: 2, BackoffMs: 1}}}, map[string]any{})

	if err := w.RunJob(context.Background(), "run-2"); err != nil {
		t.Fatalf("run job: %v", err)
	}

	run, err := st.GetWorkflowRun(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err? calls=%d)", run.Status, agent.calls)
	}
}

func TestRunJobFailsOnNonRetryableError(t *testing.T) {
	agent := &fakeAgentResolver{failTimes: 10, retryable: false}
	w, st := newTestWorker(t, agent, "")
	seedWorkerAgent(t, st, "agent-1")
	seedRun(t, st, "run-3", []store.StageDefinition{{ID: "s1", Capability: "summarize"}}, map[string]any{})

	err := w.RunJob(context.Background(), "run-3")
	if err == nil {
		t.Fatal("expected job failure")
	}

	run, getErr := st.GetWorkflowRun(context.Background(), "run-3")
	if getErr != nil {
		t.Fatalf("get run: %v", getErr)
	}
	if run.Status != store.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
}

func TestRunJobNoAgentAvailable(t *testing.T) {
	agent := &fakeAgentResolver{}
	w, st := newTestWorker(t, agent, "")
	seedRun(t, st, "run-4", []store.StageDefinition{{ID: "s1", Capability: "summarize"}}, map[string]any{})

	err := w.RunJob(context.Background(), "run-4")
	if err == nil {
		t.Fatal("expected failure with no agents registered")
	}
}
