// Package queue implements the durable job queue fronting the workflow
// worker: publish deduplicates by job id, and delivery is at-least-once
// with redelivery gated on lease expiry or explicit nack. Backed by an
// etcd lease per claimed job; internal/queue/memqueue provides an
// in-memory backing store for tests and single-process deployments.
package queue

import "context"

// Job is a single unit of work handed to a worker.
type Job struct {
	ID      string
	Payload []byte
}

// Broker is the durable queue substrate the workflow worker dequeues runs
// from. Publish is idempotent under a repeated job id. Dequeue claims a
// job under a lease; Ack removes it permanently; Nack releases the claim
// so another Dequeue can redeliver it immediately, and an unacked lease
// does the same once it expires.
type Broker interface {
	Publish(ctx context.Context, jobID string, payload []byte) error
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string) error
}
