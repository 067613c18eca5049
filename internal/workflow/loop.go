package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/orchestrate/internal/queue"
)

// JobPayload is the body published to the queue broker by the HTTP
// collaborator when a workflow run is enqueued.
type JobPayload struct {
	RunID string `json:"run_id"`
}

// RunLoop dequeues jobs from broker until ctx is cancelled, driving each to
// completion via RunJob. A run that finishes — whether completed or failed
// — is a terminal, durably persisted outcome and is acked so it is never
// redelivered; only a context cancellation (graceful shutdown mid-run)
// nacks the job so another worker can pick it up, matching the drain
// behavior.
func (w *Worker) RunLoop(ctx context.Context, broker queue.Broker, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := broker.Dequeue(ctx)
		if err != nil {
			w.log.Error("dequeue job failed", "error", err)
			sleepOrCancel(ctx, pollInterval)
			continue
		}
		if job == nil {
			if sleepOrCancel(ctx, pollInterval) != nil {
				return
			}
			continue
		}

		w.runJobFromQueue(ctx, broker, job)
	}
}

func (w *Worker) runJobFromQueue(ctx context.Context, broker queue.Broker, job *queue.Job) {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.log.Error("malformed job payload, dropping", "job", job.ID, "error", err)
		_ = broker.Ack(ctx, job.ID)
		return
	}

	err := w.RunJob(ctx, payload.RunID)
	if err != nil && errors.Is(err, context.Canceled) {
		_ = broker.Nack(ctx, job.ID)
		return
	}
	if err != nil {
		w.log.Info("workflow run ended in failure", "run", payload.RunID, "error", err)
	}
	if ackErr := broker.Ack(ctx, job.ID); ackErr != nil {
		w.log.Error("ack job failed", "job", job.ID, "error", ackErr)
	}
}

// Enqueue publishes a job for runID, deduplicating on runID as the job id
// so a repeated enqueue of the same run never double-schedules it.
func Enqueue(ctx context.Context, broker queue.Broker, runID string) error {
	payload, err := json.Marshal(JobPayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	return broker.Publish(ctx, runID, payload)
}
