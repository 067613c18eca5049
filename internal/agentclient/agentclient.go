// Package agentclient implements the HTTP dispatch contract for agent
// execution: POST <endpoint>/orchestration/execute with a bearer token
// decrypted from the agent's at-rest secret ciphertext, classifying the
// response or transport failure into the error taxonomy the retry logic
// in internal/workflow depends on.
package agentclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/relaykit/orchestrate/internal/apierr"
)

// ExecuteRequest is the wire body for a stage dispatch.
type ExecuteRequest struct {
	WorkflowRunID      string         `json:"workflow_run_id"`
	StageID            string         `json:"stage_id"`
	CapabilityRequired string         `json:"capability_required"`
	Input              map[string]any `json:"input"`
	Context            ExecuteContext `json:"context"`
}

// ExecuteContext carries run-scoped context the agent needs to resolve
// template references and enforce its own deadline.
type ExecuteContext struct {
	PreviousStages []string `json:"previous_stages"`
	UserID         string   `json:"user_id"`
	DeadlineMs     int64    `json:"deadline_ms"`
}

// ExecuteResponse is the success-shaped response body.
type ExecuteResponse struct {
	Status          string         `json:"status"`
	Output          map[string]any `json:"output"`
	ExecutionTimeMs int            `json:"execution_time_ms"`
	MemoryWrites    map[string]any `json:"memory_writes,omitempty"`
}

// errorResponse is the agent-reported error body.
type errorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Client dispatches stage executions to agent endpoints.
type Client struct {
	http *http.Client
	key  [32]byte
}

// New builds a Client with a pooled transport and derives the AEAD key
// used to decrypt agent secrets via HKDF-SHA256 over the configured
// encryption key.
func New(encryptionKey []byte) (*Client, error) {
	c := &Client{http: cleanhttp.DefaultPooledClient()}
	kdf := hkdf.New(sha256.New, encryptionKey, nil, []byte("orchestrate/agent-secret"))
	if _, err := io.ReadFull(kdf, c.key[:]); err != nil {
		return nil, fmt.Errorf("derive agent secret key: %w", err)
	}
	return c, nil
}

// DecryptSecret recovers an agent's plaintext bearer token from its
// ciphertext, stored as nonce||sealed per EncryptSecret.
func (c *Client) DecryptSecret(ciphertext []byte) (string, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return "", fmt.Errorf("construct aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt agent secret: %w", err)
	}
	return string(plain), nil
}

// EncryptSecret seals a plaintext bearer token for storage in
// auth_secret_ciphertext under the caller-supplied nonce, which must be
// NonceSize bytes and is prepended to the sealed output.
func (c *Client) EncryptSecret(plaintext string, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return append(append([]byte{}, nonce...), sealed...), nil
}

// Execute invokes an agent's orchestration endpoint with a client-side
// deadline, returning a classified *apierr.Error on any failure.
func (c *Client) Execute(ctx context.Context, endpoint, bearerToken, externalAgentID string, req ExecuteRequest, timeout time.Duration) (*ExecuteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "marshal execute request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/orchestration/execute", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "build execute request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	httpReq.Header.Set("X-Workflow-Run-Id", req.WorkflowRunID)
	httpReq.Header.Set("X-Stage-Id", req.StageID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.New(apierr.Transient, "TIMEOUT").WithAgent(externalAgentID)
		}
		return nil, apierr.Wrap(apierr.Transient, err, "NETWORK_ERROR").WithAgent(externalAgentID)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, err, "read response body").WithAgent(externalAgentID)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out ExecuteResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "decode execute response").WithAgent(externalAgentID)
		}
		if out.Status == "error" {
			var errBody errorResponse
			if err := json.Unmarshal(payload, &errBody); err == nil {
				return nil, classifyAgentError(errBody, externalAgentID)
			}
		}
		return &out, nil
	}

	if resp.StatusCode >= 500 {
		return nil, apierr.New(apierr.Transient, "AGENT_SERVER_ERROR: http %d", resp.StatusCode).WithAgent(externalAgentID)
	}
	return nil, apierr.New(apierr.Permanent, "AGENT_CLIENT_ERROR: http %d", resp.StatusCode).WithAgent(externalAgentID)
}

func classifyAgentError(body errorResponse, externalAgentID string) error {
	kind := apierr.Permanent
	e := apierr.New(kind, "%s: %s", body.Code, body.Message).WithAgent(externalAgentID)
	if body.Retryable {
		e = e.AsRetryable(true)
	}
	return e
}
