package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/relaykit/orchestrate/internal/store"

	"github.com/relaykit/orchestrate/internal/queue/memqueue"
)

func TestRunLoopDrainsEnqueuedJobsAndAcks(t *testing.T) {
	w, st := newTestWorker(t, &fakeAgentResolver{}, DispatchModeMock)
	seedRun(t, st, "run-1", []store.StageDefinition{{ID: "s1", Capability: "summarize"}}, map[string]any{})

	broker := memqueue.New(time.Minute)
	if err := Enqueue(context.Background(), broker, "run-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	w.RunLoop(ctx, broker, 5*time.Millisecond)

	run, err := st.GetWorkflowRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}

	job, err := broker.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job != nil {
		t.Fatal("expected job acked and not redelivered")
	}
}

func TestEnqueueDedupesRepeatedRunID(t *testing.T) {
	broker := memqueue.New(time.Minute)
	ctx := context.Background()
	if err := Enqueue(ctx, broker, "run-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := Enqueue(ctx, broker, "run-1"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	if _, err := broker.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	second, err := broker.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if second != nil {
		t.Fatal("expected only one job to have been queued")
	}
}
