package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateWebhook registers a team's webhook subscription.
func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	cols := []string{"team_uuid", "url", "secret", "events", "active"}
	query := fmt.Sprintf(`INSERT INTO webhooks (webhook_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))
	_, err = s.exec(ctx, query, w.WebhookUUID, w.TeamUUID, w.URL, w.Secret, string(events), w.Active)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// GetWebhook fetches a webhook by id, used to rebuild a delivery request
// during the redelivery sweep.
func (s *Store) GetWebhook(ctx context.Context, webhookUUID string) (*Webhook, error) {
	query := fmt.Sprintf(`SELECT webhook_uuid, team_uuid, url, secret, events, active
		FROM webhooks WHERE webhook_uuid = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, webhookUUID)
	return scanWebhook(row)
}

// WebhooksForEvent returns active webhooks of a team subscribed to an
// event type, used by the dispatcher on every bus publish.
func (s *Store) WebhooksForEvent(ctx context.Context, teamUUID, eventType string) ([]*Webhook, error) {
	query := fmt.Sprintf(`SELECT webhook_uuid, team_uuid, url, secret, events, active
		FROM webhooks WHERE team_uuid = %s AND active = %s`, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, teamUUID, true)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if containsString(w.Events, eventType) {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (*Webhook, error) {
	var w Webhook
	var events string
	err := row.Scan(&w.WebhookUUID, &w.TeamUUID, &w.URL, &w.Secret, &events, &w.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return &w, nil
}

// CreateDelivery records a new delivery attempt queue entry in status=pending.
func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	cols := []string{"webhook_uuid", "status", "attempts", "max_attempts", "next_retry_at", "response_code", "payload"}
	query := fmt.Sprintf(`INSERT INTO webhook_deliveries (delivery_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))
	_, err = s.exec(ctx, query, d.DeliveryUUID, d.WebhookUUID, d.Status, d.Attempts, d.MaxAttempts,
		d.NextRetryAt, d.ResponseCode, string(payload))
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

// DueDeliveries returns pending/failed deliveries whose next_retry_at has
// elapsed, for the redelivery sweep.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time) ([]*WebhookDelivery, error) {
	query := fmt.Sprintf(`SELECT delivery_uuid, webhook_uuid, status, attempts, max_attempts,
		next_retry_at, response_code, payload FROM webhook_deliveries
		WHERE status IN ('pending', 'failed') AND (next_retry_at IS NULL OR next_retry_at <= %s)`,
		s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelivery persists the outcome of a dispatch attempt.
func (s *Store) UpdateDelivery(ctx context.Context, d *WebhookDelivery) error {
	query := fmt.Sprintf(`UPDATE webhook_deliveries SET status = %s, attempts = %s,
		next_retry_at = %s, response_code = %s WHERE delivery_uuid = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err := s.exec(ctx, query, d.Status, d.Attempts, d.NextRetryAt, d.ResponseCode, d.DeliveryUUID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

func scanDelivery(rows *sql.Rows) (*WebhookDelivery, error) {
	var d WebhookDelivery
	var payload string
	var nextRetry sql.NullTime
	var responseCode sql.NullInt64

	if err := rows.Scan(&d.DeliveryUUID, &d.WebhookUUID, &d.Status, &d.Attempts, &d.MaxAttempts,
		&nextRetry, &responseCode, &payload); err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &d.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if nextRetry.Valid {
		d.NextRetryAt = &nextRetry.Time
	}
	if responseCode.Valid {
		v := int(responseCode.Int64)
		d.ResponseCode = &v
	}
	return &d, nil
}
