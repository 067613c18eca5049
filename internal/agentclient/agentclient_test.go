package agentclient

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaykit/orchestrate/internal/apierr"
)

func TestEncryptDecryptSecretRoundTrip(t *testing.T) {
	c, err := New([]byte("test-encryption-key-32-bytes!!!"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("generate nonce: %v", err)
	}

	ciphertext, err := c.EncryptSecret("agent-bearer-token", nonce)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}

	plain, err := c.DecryptSecret(ciphertext)
	if err != nil {
		t.Fatalf("decrypt secret: %v", err)
	}
	if plain != "agent-bearer-token" {
		t.Fatalf("expected round-trip token, got %q", plain)
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Stage-Id") != "stage-1" {
			t.Errorf("missing stage header")
		}
		json.NewEncoder(w).Encode(ExecuteResponse{Status: "success", Output: map[string]any{"ok": true}, ExecutionTimeMs: 5})
	}))
	defer srv.Close()

	c, err := New([]byte("key"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Execute(context.Background(), srv.URL, "token", "agent-1",
		ExecuteRequest{WorkflowRunID: "run-1", StageID: "stage-1"}, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Output["ok"] != true {
		t.Fatalf("unexpected output: %+v", resp.Output)
	}
}

func TestExecuteClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := New([]byte("key"))
	_, err := c.Execute(context.Background(), srv.URL, "token", "agent-1",
		ExecuteRequest{WorkflowRunID: "run-1", StageID: "stage-1"}, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if apierr.KindOf(err) != apierr.Transient || !apierr.IsRetryable(err) {
		t.Fatalf("expected retryable transient error, got %v", err)
	}
}

func TestExecuteClassifiesClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New([]byte("key"))
	_, err := c.Execute(context.Background(), srv.URL, "token", "agent-1",
		ExecuteRequest{WorkflowRunID: "run-1", StageID: "stage-1"}, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if apierr.KindOf(err) != apierr.Permanent || apierr.IsRetryable(err) {
		t.Fatalf("expected non-retryable permanent error, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c, _ := New([]byte("key"))
	_, err := c.Execute(context.Background(), srv.URL, "token", "agent-1",
		ExecuteRequest{WorkflowRunID: "run-1", StageID: "stage-1"}, 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !apierr.IsRetryable(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}
