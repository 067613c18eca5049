// Package workflow implements the workflow worker: job initialization
// with bounded polling retry, Kahn's-algorithm stage leveling, template
// resolution, and the executeStageWithRetry state machine governing
// per-stage agent dispatch.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/relaykit/orchestrate/internal/agentclient"
	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/audit"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/cache"
	"github.com/relaykit/orchestrate/internal/router"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/pkg/observability"
)

const (
	defaultMaxRetries  = 2
	defaultBackoffMs   = 1000
	defaultTimeoutMs   = 30_000
	jobInitMaxAttempts = 5
	jobInitBaseDelay   = 200 * time.Millisecond

	// DispatchModeMock bypasses agent dispatch and retry entirely,
	// returning a synthesized output — used for dry-run/test workflows.
	DispatchModeMock = "mock"
)

// AgentResolver narrows internal/agentclient to what the worker needs,
// letting tests substitute a fake agent endpoint.
type AgentResolver interface {
	Execute(ctx context.Context, endpoint, bearerToken, externalAgentID string, req agentclient.ExecuteRequest, timeout time.Duration) (*agentclient.ExecuteResponse, error)
	DecryptSecret(ciphertext []byte) (string, error)
}

// Worker drives one workflow run to completion (or failure).
type Worker struct {
	store   *store.Store
	router  *router.Router
	agent   AgentResolver
	cache   *cache.Cache
	signer  *audit.Signer
	bus     *bus.Bus
	log     *slog.Logger
	mode    string
	metrics *observability.Metrics
}

// New constructs a Worker. mode == DispatchModeMock bypasses retry and
// real agent dispatch entirely.
func New(st *store.Store, rt *router.Router, agent AgentResolver, c *cache.Cache, signer *audit.Signer, b *bus.Bus, logger *slog.Logger, mode string) *Worker {
	return &Worker{store: st, router: rt, agent: agent, cache: c, signer: signer, bus: b, log: logger, mode: mode}
}

// SetMetrics attaches a Prometheus recorder for stage/agent dispatch
// metrics. A nil metrics value (the default) makes every recording a no-op.
func (w *Worker) SetMetrics(m *observability.Metrics) {
	w.metrics = m
}

// RunJob executes one queued job `{workflow_run_id, user_uuid}` to
// completion or failure, persisting state as it goes so a redelivered
// job can be observed by another worker if this one is interrupted.
func (w *Worker) RunJob(ctx context.Context, runID string) error {
	run, err := w.fetchRunWithRetry(ctx, runID)
	if err != nil {
		return fmt.Errorf("job initialization: %w", err)
	}

	now := time.Now()
	if err := w.store.MarkWorkflowRunInProgress(ctx, runID, now); err != nil {
		return fmt.Errorf("mark run in_progress: %w", err)
	}

	lvls, err := levels(run.Definition.Stages)
	if err != nil {
		return w.failRun(ctx, runID, err.Error())
	}

	completedOutputs := make(map[string]map[string]any)
	completedIDs, err := w.store.CompletedStageIDs(ctx, runID)
	if err != nil {
		return fmt.Errorf("load completed stages: %w", err)
	}
	for _, id := range completedIDs {
		out, err := w.store.GetStageOutput(ctx, runID, id)
		if err == nil {
			completedOutputs[id] = out
		}
	}

	for _, lvl := range lvls {
		for _, stage := range lvl {
			if _, done := completedOutputs[stage.ID]; done {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err() // graceful drain: leave run in_progress for redelivery
			default:
			}

			output, err := w.runStage(ctx, run, stage, completedOutputs)
			if err != nil {
				msg := fmt.Sprintf("Stage '%s' failed: %s", stage.ID, err.Error())
				return w.failRun(ctx, runID, msg)
			}
			completedOutputs[stage.ID] = output
		}
	}

	return w.store.CompleteWorkflowRun(ctx, runID, time.Now())
}

func (w *Worker) failRun(ctx context.Context, runID, msg string) error {
	if err := w.store.FailWorkflowRun(ctx, runID, msg, time.Now()); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return fmt.Errorf("%s", msg)
}

// fetchRunWithRetry tolerates commit-visibility lag between enqueue and
// dequeue with up to 5 attempts, linear backoff starting at 200ms.
func (w *Worker) fetchRunWithRetry(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	var lastErr error
	for attempt := 0; attempt < jobInitMaxAttempts; attempt++ {
		run, err := w.store.GetWorkflowRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		lastErr = err
		if attempt < jobInitMaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jobInitBaseDelay * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

// runStage resolves input templates, records the in_progress execution
// row, dispatches with retry, and persists the outcome.
func (w *Worker) runStage(ctx context.Context, run *store.WorkflowRun, stage store.StageDefinition, priorOutputs map[string]map[string]any) (map[string]any, error) {
	resolvedInput := resolveTemplates(stage.InputTemplate, run.Input, priorOutputs)
	startedAt := time.Now()

	exec := &store.StageExecution{
		RunID:         run.RunID,
		StageID:       stage.ID,
		Status:        store.StageStatusInProgress,
		InputResolved: resolvedInput,
		StartedAt:     startedAt,
	}
	if err := w.store.UpsertStageExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist stage start: %w", err)
	}

	completedStageIDs := make([]string, 0, len(priorOutputs))
	for id := range priorOutputs {
		completedStageIDs = append(completedStageIDs, id)
	}

	output, agentID, execTimeMs, err := w.executeStageWithRetry(ctx, run, stage, resolvedInput, completedStageIDs)

	completedAt := time.Now()
	exec.CompletedAt = &completedAt
	exec.ExecutionTimeMs = execTimeMs
	exec.AgentIDResolved = agentID
	duration := completedAt.Sub(startedAt)

	if err != nil {
		exec.Status = store.StageStatusFailed
		exec.ErrorMessage = err.Error()
		_ = w.store.UpsertStageExecution(ctx, exec)
		w.emitAudit(ctx, run.RunID, stage.ID, agentID, store.AuditActionFail, "failed", resolvedInput, nil)
		w.metrics.RecordStageExecution(stage.Capability, "failed", duration)
		return nil, err
	}

	exec.Status = store.StageStatusCompleted
	exec.Output = output
	if err := w.store.UpsertStageExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist stage completion: %w", err)
	}
	w.cache.SetStageOutput(run.RunID, stage.ID, output)
	w.emitAudit(ctx, run.RunID, stage.ID, agentID, store.AuditActionExecute, "completed", resolvedInput, output)
	w.metrics.RecordStageExecution(stage.Capability, "completed", duration)

	return output, nil
}

// executeStageWithRetry is the central retry/fallback state machine of
// two agent attempts (primary + one fallback), each with its own
// retry budget, exponential backoff between retries on the same agent.
func (w *Worker) executeStageWithRetry(ctx context.Context, run *store.WorkflowRun, stage store.StageDefinition, input map[string]any, completedStageIDs []string) (map[string]any, string, int, error) {
	if w.mode == DispatchModeMock {
		return map[string]any{"mock": true, "stage_id": stage.ID}, "mock-agent", 0, nil
	}

	maxRetries := stage.RetryConfig.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoffMs := stage.RetryConfig.BackoffMs
	if backoffMs == 0 {
		backoffMs = defaultBackoffMs
	}
	timeoutMs := stage.RetryConfig.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = defaultTimeoutMs
	}

	var excluded []string
	for agentAttempt := 0; agentAttempt < 2; agentAttempt++ {
		agent, _, err := w.router.SelectAgent(ctx, stage.Capability, excluded)
		if err != nil {
			return nil, "", 0, apierr.Wrap(apierr.Internal, err, "select agent")
		}
		if agent == nil {
			return nil, "", 0, apierr.New(apierr.Permanent, "ALL_AGENTS_EXHAUSTED")
		}

		w.cache.IncrLoad(agent.AgentUUID)
		w.metrics.SetAgentLoad(agent.AgentUUID, w.cache.Load(agent.AgentUUID))
		output, execMs, err := w.attemptAgent(ctx, run, stage, agent, input, completedStageIDs, maxRetries, backoffMs, timeoutMs)
		w.cache.DecrLoad(agent.AgentUUID)
		w.metrics.SetAgentLoad(agent.AgentUUID, w.cache.Load(agent.AgentUUID))

		if err == nil {
			w.cache.RecordResponseTime(agent.AgentUUID, float64(execMs))
			return output, agent.AgentUUID, execMs, nil
		}

		if !apierr.IsRetryable(err) {
			return nil, agent.AgentUUID, execMs, err
		}

		excluded = append(excluded, agent.AgentUUID)
		if agentAttempt == 1 {
			return nil, agent.AgentUUID, execMs, err
		}
		w.metrics.RecordStageFallback(stage.Capability)
	}
	return nil, "", 0, apierr.New(apierr.Permanent, "ALL_AGENTS_EXHAUSTED")
}

// attemptAgent runs the retry loop against a single chosen agent, using
// cenkalti/backoff's exponential schedule seeded at backoffMs to compute
// the sleep between same-agent retries (backoff_ms · 2^retry, without
// jitter, capped at the library's default MaxInterval of 60s).
func (w *Worker) attemptAgent(ctx context.Context, run *store.WorkflowRun, stage store.StageDefinition, agent *store.Agent, input map[string]any, completedStageIDs []string, maxRetries, backoffMs, timeoutMs int) (map[string]any, int, error) {
	bearer, err := w.bearerToken(agent)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.Internal, err, "resolve agent bearer token").WithAgent(agent.ExternalID)
	}

	req := agentclient.ExecuteRequest{
		WorkflowRunID:      run.RunID,
		StageID:            stage.ID,
		CapabilityRequired: stage.Capability,
		Input:              input,
		Context: agentclient.ExecuteContext{
			PreviousStages: completedStageIDs,
			UserID:         run.UserUUID,
			DeadlineMs:     int64(timeoutMs),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(backoffMs) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the agent-attempt loop itself bounds retries, not elapsed time

	var lastErr error
	for retry := 0; retry <= maxRetries; retry++ {
		start := time.Now()
		resp, err := w.agent.Execute(ctx, agent.EndpointURL, bearer, agent.ExternalID, req, time.Duration(timeoutMs)*time.Millisecond)
		execMs := int(time.Since(start).Milliseconds())

		if err == nil {
			w.metrics.RecordAgentCall(agent.ExternalID, "")
			if resp.MemoryWrites != nil {
				w.cache.SetStageOutput(run.RunID, "memory:"+stage.ID, resp.MemoryWrites)
			}
			return resp.Output, execMs, nil
		}

		w.metrics.RecordAgentCall(agent.ExternalID, string(apierr.KindOf(err)))
		lastErr = err
		if !apierr.IsRetryable(err) {
			return nil, execMs, err
		}
		if retry >= maxRetries {
			return nil, execMs, err
		}

		w.metrics.RecordStageRetry(stage.Capability)
		w.emitAudit(ctx, run.RunID, stage.ID, agent.ExternalID, store.AuditActionRetry,
			fmt.Sprintf("retry_%d_of_%d", retry+1, maxRetries), input, nil)

		if err := sleepOrCancel(ctx, bo.NextBackOff()); err != nil {
			return nil, execMs, err
		}
	}
	return nil, 0, lastErr
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (w *Worker) bearerToken(agent *store.Agent) (string, error) {
	if agent.AuthSecretCiphertext == "" {
		return "", nil
	}
	return w.agent.DecryptSecret([]byte(agent.AuthSecretCiphertext))
}

func (w *Worker) emitAudit(ctx context.Context, runID, stageID, agentID, action, status string, input, output map[string]any) {
	inputHash := hashJSON(input)
	outputHash := ""
	if output != nil {
		outputHash = hashJSON(output)
	}

	rec := &store.AuditRecord{
		AuditUUID:  uuid.NewString(),
		RunID:      runID,
		StageID:    stageID,
		AgentID:    agentID,
		Action:     action,
		Status:     status,
		InputHash:  inputHash,
		OutputHash: outputHash,
		LoggedAt:   time.Now(),
	}
	if w.signer != nil {
		if err := w.signer.Sign(rec); err != nil {
			w.log.Error("sign audit record failed", "run", runID, "stage", stageID, "error", err)
		}
	}
	if err := w.store.InsertAuditRecord(ctx, rec); err != nil {
		w.log.Error("insert audit record failed", "run", runID, "stage", stageID, "error", err)
	}

	w.bus.Publish("run:"+runID, "audit:"+action, rec)
}

func hashJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
