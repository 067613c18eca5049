package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Agent{
		AgentUUID:        "agent-1",
		ExternalID:       "ext-1",
		DisplayName:      "Worker",
		EndpointURL:      "http://localhost:9000",
		Capabilities:     []string{"summarize", "translate"},
		MaxConcurrent:    4,
		Status:           AgentStatusOnline,
		RegisteredByUser: "user-1",
		AuthSecretHash:   "hash",
	}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.DisplayName != "Worker" || len(got.Capabilities) != 2 {
		t.Fatalf("unexpected agent: %+v", got)
	}

	a.Status = AgentStatusDegraded
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("re-upsert agent: %v", err)
	}
	got, err = s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent after update: %v", err)
	}
	if got.Status != AgentStatusDegraded {
		t.Fatalf("expected status degraded, got %s", got.Status)
	}
}

func TestCandidateAgentsForCapabilityExcludesOfflineAndDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	online := &Agent{AgentUUID: "a-online", ExternalID: "e1", DisplayName: "A", EndpointURL: "http://x",
		Capabilities: []string{"summarize"}, MaxConcurrent: 1, Status: AgentStatusOnline, RegisteredByUser: "u", AuthSecretHash: "h"}
	offline := &Agent{AgentUUID: "a-offline", ExternalID: "e2", DisplayName: "B", EndpointURL: "http://y",
		Capabilities: []string{"summarize"}, MaxConcurrent: 1, Status: AgentStatusOffline, RegisteredByUser: "u", AuthSecretHash: "h"}
	wrongCap := &Agent{AgentUUID: "a-wrongcap", ExternalID: "e3", DisplayName: "C", EndpointURL: "http://z",
		Capabilities: []string{"translate"}, MaxConcurrent: 1, Status: AgentStatusOnline, RegisteredByUser: "u", AuthSecretHash: "h"}

	for _, a := range []*Agent{online, offline, wrongCap} {
		if err := s.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("upsert agent: %v", err)
		}
	}

	candidates, err := s.CandidateAgentsForCapability(ctx, "summarize", nil)
	if err != nil {
		t.Fatalf("query candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].AgentUUID != "a-online" {
		t.Fatalf("expected only a-online, got %+v", candidates)
	}
}

func TestWorkflowRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	run := &WorkflowRun{
		RunID:        "run-1",
		UserUUID:     "user-1",
		WorkflowName: "ingest",
		Definition:   WorkflowDefinition{Stages: []StageDefinition{{ID: "s1", Capability: "summarize"}}},
		Input:        map[string]any{"doc": "hello"},
		CreatedAt:    now,
	}
	if err := s.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := s.GetWorkflowRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusQueued || len(got.Definition.Stages) != 1 {
		t.Fatalf("unexpected run: %+v", got)
	}

	if err := s.MarkWorkflowRunInProgress(ctx, "run-1", now); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if err := s.CompleteWorkflowRun(ctx, "run-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	got, err = s.GetWorkflowRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run after complete: %v", err)
	}
	if got.Status != RunStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed run, got %+v", got)
	}
}

func TestStageExecutionUpsertAndCompletedStageIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e := &StageExecution{
		RunID:         "run-1",
		StageID:       "s1",
		Status:        StageStatusInProgress,
		InputResolved: map[string]any{"x": 1},
		StartedAt:     now,
	}
	if err := s.UpsertStageExecution(ctx, e); err != nil {
		t.Fatalf("insert stage execution: %v", err)
	}

	e.Status = StageStatusCompleted
	e.Output = map[string]any{"y": 2}
	completed := now.Add(time.Second)
	e.CompletedAt = &completed
	if err := s.UpsertStageExecution(ctx, e); err != nil {
		t.Fatalf("update stage execution: %v", err)
	}

	ids, err := s.CompletedStageIDs(ctx, "run-1")
	if err != nil {
		t.Fatalf("completed stage ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("expected [s1], got %v", ids)
	}

	output, err := s.GetStageOutput(ctx, "run-1", "s1")
	if err != nil {
		t.Fatalf("get stage output: %v", err)
	}
	if output["y"].(float64) != 2 {
		t.Fatalf("unexpected output: %+v", output)
	}
}

func TestKanbanTaskDependencyUnblocking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blocker := &KanbanTask{TaskUUID: "t1", TeamUUID: "team-1", Title: "first", Status: TaskStatusDone,
		Priority: PriorityMedium, MaxRetries: 3}
	blocked := &KanbanTask{TaskUUID: "t2", TeamUUID: "team-1", Title: "second", Status: TaskStatusBacklog,
		Priority: PriorityMedium, DependsOn: []string{"t1"}, MaxRetries: 3}
	unrelated := &KanbanTask{TaskUUID: "t3", TeamUUID: "team-1", Title: "third", Status: TaskStatusBacklog,
		Priority: PriorityMedium, MaxRetries: 3}

	for _, tsk := range []*KanbanTask{blocker, blocked, unrelated} {
		if err := s.CreateTask(ctx, tsk); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	unblocked, err := s.BacklogTasksDependingOn(ctx, "team-1", "t1")
	if err != nil {
		t.Fatalf("query dependents: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0].TaskUUID != "t2" {
		t.Fatalf("expected only t2 unblocked, got %+v", unblocked)
	}
}

func TestAuditRecordsForRunOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, action := range []string{AuditActionExecute, AuditActionRetry, AuditActionExecute} {
		r := &AuditRecord{
			AuditUUID: "audit-" + string(rune('a'+i)),
			RunID:     "run-1",
			StageID:   "s1",
			Action:    action,
			Status:    "ok",
			InputHash: "h1",
			LoggedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertAuditRecord(ctx, r); err != nil {
			t.Fatalf("insert audit record: %v", err)
		}
	}

	records, err := s.AuditRecordsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("query audit records: %v", err)
	}
	if len(records) != 3 || records[1].Action != AuditActionRetry {
		t.Fatalf("unexpected ordering: %+v", records)
	}
}
