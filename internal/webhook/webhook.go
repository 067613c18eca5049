// Package webhook implements HMAC-signed delivery of team events to
// registered webhooks, outcome classification, capped exponential
// redelivery, and a cron-driven sweep of due deliveries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/robfig/cron/v3"

	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/pkg/observability"
)

const (
	requestTimeout    = 10 * time.Second
	defaultMaxAttempts = 5
	minBackoff        = 60 * time.Second
	maxBackoff        = 3600 * time.Second
	sweepBatchSize    = 50
)

// Dispatcher subscribes to the event bus and delivers matching events to
// registered webhooks.
type Dispatcher struct {
	store   *store.Store
	http    *http.Client
	log     *slog.Logger
	metrics *observability.Metrics
}

// New constructs a Dispatcher and wires it to b so every published event
// is checked against registered webhooks.
func New(st *store.Store, b *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{store: st, http: cleanhttp.DefaultPooledClient(), log: logger}
	b.Subscribe(d.handleEvent)
	return d
}

// SetMetrics attaches a Prometheus recorder for delivery outcomes. A nil
// metrics value (the default) makes every recording a no-op.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// handleEvent is the bus.Handler invoked for every published event; it
// resolves the owning team from the channel name and enqueues a delivery
// for each matching active webhook.
func (d *Dispatcher) handleEvent(evt bus.Event) {
	teamUUID, ok := teamFromChannel(evt.Channel)
	if !ok {
		return
	}
	ctx := context.Background()
	hooks, err := d.store.WebhooksForEvent(ctx, teamUUID, evt.Type)
	if err != nil {
		d.log.Error("load webhooks for event failed", "team", teamUUID, "event", evt.Type, "error", err)
		return
	}
	for _, hook := range hooks {
		body := map[string]any{
			"event":     evt.Type,
			"timestamp": evt.Timestamp.UTC().Format(time.RFC3339),
			"payload":   evt.Payload,
		}
		delivery := &store.WebhookDelivery{
			DeliveryUUID: uuid.NewString(),
			WebhookUUID:  hook.WebhookUUID,
			Status:       store.DeliveryPending,
			MaxAttempts:  defaultMaxAttempts,
			Payload:      body,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			d.log.Error("create delivery failed", "webhook", hook.WebhookUUID, "error", err)
			continue
		}
		d.deliver(ctx, hook, delivery)
	}
}

func teamFromChannel(channel string) (string, bool) {
	const prefix = "team:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}

// deliver POSTs a single delivery attempt and persists its outcome.
func (d *Dispatcher) deliver(ctx context.Context, hook *store.Webhook, delivery *store.WebhookDelivery) {
	start := time.Now()
	event := fmt.Sprintf("%v", delivery.Payload["event"])

	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		d.log.Error("marshal delivery body failed", "delivery", delivery.DeliveryUUID, "error", err)
		return
	}
	signature := sign(hook.Secret, body)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		d.log.Error("build delivery request failed", "delivery", delivery.DeliveryUUID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+signature)
	req.Header.Set("X-Event", event)
	req.Header.Set("X-Delivery", delivery.DeliveryUUID)

	delivery.Attempts++

	resp, err := d.http.Do(req)
	if err != nil {
		d.recordFailure(ctx, delivery, nil, event, start)
		return
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	code := resp.StatusCode
	delivery.ResponseCode = &code
	if code >= 200 && code < 300 {
		delivery.Status = store.DeliverySuccess
		delivery.NextRetryAt = nil
		d.persist(ctx, delivery)
		d.metrics.RecordWebhookDelivery(event, "success", time.Since(start))
		return
	}
	d.recordFailure(ctx, delivery, &code, event, start)
}

// recordFailure classifies the delivery outcome: schedule a capped
// exponential retry, or dead-letter once attempts are exhausted.
func (d *Dispatcher) recordFailure(ctx context.Context, delivery *store.WebhookDelivery, code *int, event string, start time.Time) {
	delivery.ResponseCode = code
	if delivery.Attempts >= delivery.MaxAttempts {
		delivery.Status = store.DeliveryDeadLetter
		delivery.NextRetryAt = nil
		d.persist(ctx, delivery)
		d.metrics.RecordWebhookDelivery(event, "dead_letter", time.Since(start))
		d.metrics.RecordWebhookDeadLetter(event)
		return
	}
	delivery.Status = store.DeliveryFailed
	next := time.Now().UTC().Add(backoffFor(delivery.Attempts))
	delivery.NextRetryAt = &next
	d.persist(ctx, delivery)
	d.metrics.RecordWebhookDelivery(event, "failed", time.Since(start))
}

func (d *Dispatcher) persist(ctx context.Context, delivery *store.WebhookDelivery) {
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		d.log.Error("persist delivery outcome failed", "delivery", delivery.DeliveryUUID, "error", err)
	}
}

// backoffFor computes min(60s * 2^(attempts-1), 3600s) .
func backoffFor(attempts int) time.Duration {
	d := minBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SweepDue redelivers up to sweepBatchSize pending/failed deliveries whose
// next_retry_at has elapsed, loading each one's webhook to rebuild the
// request. Disabled webhooks immediately dead-letter their pending rows.
func (d *Dispatcher) SweepDue(ctx context.Context) (int, error) {
	due, err := d.store.DueDeliveries(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("query due deliveries: %w", err)
	}
	if len(due) > sweepBatchSize {
		due = due[:sweepBatchSize]
	}

	for _, delivery := range due {
		hook, err := d.webhookFor(ctx, delivery.WebhookUUID)
		if err != nil {
			d.log.Error("load webhook for redelivery failed", "delivery", delivery.DeliveryUUID, "error", err)
			continue
		}
		if hook == nil || !hook.Active {
			delivery.Status = store.DeliveryDeadLetter
			delivery.NextRetryAt = nil
			d.persist(ctx, delivery)
			continue
		}
		d.deliver(ctx, hook, delivery)
	}
	return len(due), nil
}

// webhookFor loads the webhook a delivery was queued against, by the
// webhook id the delivery carries.
func (d *Dispatcher) webhookFor(ctx context.Context, webhookUUID string) (*store.Webhook, error) {
	return d.store.GetWebhook(ctx, webhookUUID)
}

// StartSweeper registers a recurring SweepDue job on the given cron
// schedule (e.g. "@every 30s") and starts the scheduler, returning a
// stop function for graceful shutdown.
func (d *Dispatcher) StartSweeper(schedule string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if n, err := d.SweepDue(context.Background()); err != nil {
			d.log.Error("webhook redelivery sweep failed", "error", err)
		} else if n > 0 {
			d.log.Info("webhook redelivery sweep completed", "deliveries", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule redelivery sweep: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
