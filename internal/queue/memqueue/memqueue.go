// Package memqueue is the in-process Broker used for tests and
// single-process deployments, satisfying the same interface as
// internal/queue's etcd-backed broker.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/orchestrate/internal/queue"
)

// Broker is an in-memory queue.Broker. A job in flight is tracked with an
// expiry instead of an external lease; a Dequeue call first reclaims any
// job whose expiry has passed, mirroring an etcd lease timing out.
type Broker struct {
	ttl time.Duration

	mu       sync.Mutex
	payloads map[string][]byte
	ready    []string
	claimed  map[string]time.Time
}

// New constructs a Broker whose in-flight claims redeliver after ttl.
func New(ttl time.Duration) *Broker {
	return &Broker{
		ttl:      ttl,
		payloads: make(map[string][]byte),
		claimed:  make(map[string]time.Time),
	}
}

func (b *Broker) Publish(ctx context.Context, jobID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.payloads[jobID]; exists {
		return nil
	}
	b.payloads[jobID] = payload
	b.ready = append(b.ready, jobID)
	return nil
}

func (b *Broker) Dequeue(ctx context.Context) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for jobID, expiry := range b.claimed {
		if now.After(expiry) {
			delete(b.claimed, jobID)
			if _, exists := b.payloads[jobID]; exists {
				b.ready = append(b.ready, jobID)
			}
		}
	}

	for len(b.ready) > 0 {
		jobID := b.ready[0]
		b.ready = b.ready[1:]
		payload, exists := b.payloads[jobID]
		if !exists {
			continue
		}
		if _, inflight := b.claimed[jobID]; inflight {
			continue
		}
		b.claimed[jobID] = now.Add(b.ttl)
		return &queue.Job{ID: jobID, Payload: payload}, nil
	}
	return nil, nil
}

func (b *Broker) Ack(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.payloads, jobID)
	delete(b.claimed, jobID)
	return nil
}

func (b *Broker) Nack(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, claimed := b.claimed[jobID]; !claimed {
		return nil
	}
	delete(b.claimed, jobID)
	if _, exists := b.payloads[jobID]; exists {
		b.ready = append(b.ready, jobID)
	}
	return nil
}
