package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *bus.Bus, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New(slog.Default())
	return New(st, b, slog.Default()), b, st
}

func TestDispatchDeliversOnMatchingEvent(t *testing.T) {
	var received int32
	var gotSignature, gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		gotSignature = r.Header.Get("X-Signature")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, b, st := newTestDispatcher(t)
	hook := &store.Webhook{WebhookUUID: uuid.NewString(), TeamUUID: "team-1", URL: srv.URL,
		Secret: "s3cr3t", Events: []string{"task:updated"}, Active: true}
	if err := st.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	b.Publish("team:team-1", "task:updated", map[string]any{"task_uuid": "t1"})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&received) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", received)
	}

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write([]byte(gotBody))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSignature, want)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(gotBody), &payload); err != nil {
		t.Fatalf("unmarshal delivered body: %v", err)
	}
	if payload["event"] != "task:updated" {
		t.Fatalf("unexpected event in body: %v", payload["event"])
	}
}

func TestDispatchIgnoresUnsubscribedEventType(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, b, st := newTestDispatcher(t)
	hook := &store.Webhook{WebhookUUID: uuid.NewString(), TeamUUID: "team-1", URL: srv.URL,
		Secret: "s", Events: []string{"task:claimed"}, Active: true}
	if err := st.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	b.Publish("team:team-1", "task:updated", map[string]any{})
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&received) != 0 {
		t.Fatalf("expected no delivery for unsubscribed event type, got %d", received)
	}
}

func TestFailedDeliverySchedulesRetryWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, b, st := newTestDispatcher(t)
	hook := &store.Webhook{WebhookUUID: uuid.NewString(), TeamUUID: "team-1", URL: srv.URL,
		Secret: "s", Events: []string{"task:updated"}, Active: true}
	if err := st.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	b.Publish("team:team-1", "task:updated", map[string]any{})
	time.Sleep(100 * time.Millisecond)

	due, err := st.DueDeliveries(context.Background(), time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("query due deliveries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 scheduled retry, got %d", len(due))
	}
	if due[0].Status != store.DeliveryFailed {
		t.Fatalf("expected failed status, got %s", due[0].Status)
	}
	if due[0].NextRetryAt == nil {
		t.Fatal("expected next_retry_at to be set")
	}
}

func TestDeadLettersAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _, st := newTestDispatcher(t)
	hook := &store.Webhook{WebhookUUID: uuid.NewString(), TeamUUID: "team-1", URL: srv.URL,
		Secret: "s", Events: []string{"task:updated"}, Active: true}
	if err := st.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	delivery := &store.WebhookDelivery{
		DeliveryUUID: uuid.NewString(), WebhookUUID: hook.WebhookUUID,
		Status: store.DeliveryFailed, Attempts: defaultMaxAttempts - 1, MaxAttempts: defaultMaxAttempts,
		Payload: map[string]any{"event": "task:updated"},
	}
	if err := st.CreateDelivery(context.Background(), delivery); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	d.deliver(context.Background(), hook, delivery)

	if delivery.Status != store.DeliveryDeadLetter {
		t.Fatalf("expected dead_letter after exhausting attempts, got %s", delivery.Status)
	}
}

func TestSweepDueDeadLettersDisabledWebhook(t *testing.T) {
	d, _, st := newTestDispatcher(t)
	hook := &store.Webhook{WebhookUUID: uuid.NewString(), TeamUUID: "team-1", URL: "http://example.invalid",
		Secret: "s", Events: []string{"task:updated"}, Active: false}
	if err := st.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	delivery := &store.WebhookDelivery{
		DeliveryUUID: uuid.NewString(), WebhookUUID: hook.WebhookUUID,
		Status: store.DeliveryPending, MaxAttempts: defaultMaxAttempts,
		Payload: map[string]any{"event": "task:updated"},
	}
	if err := st.CreateDelivery(context.Background(), delivery); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	n, err := d.SweepDue(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept delivery, got %d", n)
	}

	due, err := st.DueDeliveries(context.Background(), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("query due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected disabled webhook's delivery to be dead-lettered, got %d still due", len(due))
	}
}

func TestBackoffForCapsAtMaxBackoff(t *testing.T) {
	if got := backoffFor(1); got != minBackoff {
		t.Fatalf("expected first backoff = minBackoff, got %v", got)
	}
	if got := backoffFor(10); got != maxBackoff {
		t.Fatalf("expected capped backoff, got %v", got)
	}
}
