package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	jobPrefix      = "orchestrate/queue/jobs/"
	inflightPrefix = "orchestrate/queue/inflight/"
)

func jobKey(jobID string) string      { return jobPrefix + jobID }
func inflightKey(jobID string) string { return inflightPrefix + jobID }

// EtcdBroker arbitrates queue claims via etcd leases: a job is durably
// stored under jobs/<id>, and a dequeue claims it by racing to place a
// leased key under inflight/<id>. The lease's TTL is the redelivery
// window; letting it expire, or revoking it via Nack, deletes the
// inflight key and makes the job claimable again.
type EtcdBroker struct {
	client *clientv3.Client
	ttl    time.Duration

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdBroker constructs a Broker backed by client, claiming jobs under
// leases of the given TTL.
func NewEtcdBroker(client *clientv3.Client, ttl time.Duration) *EtcdBroker {
	return &EtcdBroker{client: client, ttl: ttl, leases: make(map[string]clientv3.LeaseID)}
}

// Publish stores the job body if no job with this id already exists.
// A repeated publish of the same job id is a no-op, giving at-most-once
// enqueue semantics per id.
func (b *EtcdBroker) Publish(ctx context.Context, jobID string, payload []byte) error {
	key := jobKey(jobID)
	_, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(payload))).
		Commit()
	if err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue scans pending jobs in publish order and claims the first one
// not already under an active inflight lease. Returns (nil, nil) when the
// queue is empty or every job is currently claimed.
func (b *EtcdBroker) Dequeue(ctx context.Context) (*Job, error) {
	resp, err := b.client.Get(ctx, jobPrefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	for _, kv := range resp.Kvs {
		jobID := strings.TrimPrefix(string(kv.Key), jobPrefix)
		claimed, leaseID, err := b.tryClaim(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if claimed {
			b.mu.Lock()
			b.leases[jobID] = leaseID
			b.mu.Unlock()
			return &Job{ID: jobID, Payload: kv.Value}, nil
		}
	}
	return nil, nil
}

func (b *EtcdBroker) tryClaim(ctx context.Context, jobID string) (bool, clientv3.LeaseID, error) {
	lease, err := b.client.Grant(ctx, int64(b.ttl.Seconds()))
	if err != nil {
		return false, 0, fmt.Errorf("grant lease for %s: %w", jobID, err)
	}
	key := inflightKey(jobID)
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, 0, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !resp.Succeeded {
		_, _ = b.client.Revoke(ctx, lease.ID)
		return false, 0, nil
	}
	return true, lease.ID, nil
}

// Ack permanently removes a completed job and releases its lease.
func (b *EtcdBroker) Ack(ctx context.Context, jobID string) error {
	leaseID, _ := b.takeLease(jobID)
	_, err := b.client.Txn(ctx).
		Then(clientv3.OpDelete(jobKey(jobID)), clientv3.OpDelete(inflightKey(jobID))).
		Commit()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	if leaseID != 0 {
		_, _ = b.client.Revoke(ctx, leaseID)
	}
	return nil
}

// Nack releases the claim early, without the lease's TTL elapsing, so the
// job becomes immediately claimable by the next Dequeue.
func (b *EtcdBroker) Nack(ctx context.Context, jobID string) error {
	leaseID, ok := b.takeLease(jobID)
	if !ok {
		return nil
	}
	if _, err := b.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("nack job %s: %w", jobID, err)
	}
	return nil
}

func (b *EtcdBroker) takeLease(jobID string) (clientv3.LeaseID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.leases[jobID]
	delete(b.leases, jobID)
	return id, ok
}
