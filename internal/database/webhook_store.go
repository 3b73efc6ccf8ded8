package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/signalswap/backend/internal/core"
)

// WebhookStore persists user-registered notification endpoints.
type WebhookStore struct {
	db *DB
}

// NewWebhookStore creates a webhook store.
func NewWebhookStore(db *DB) *WebhookStore {
	return &WebhookStore{db: db}
}

// Create registers a new subscription.
func (s *WebhookStore) Create(ctx context.Context, w *core.WebhookSubscription) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	mask := make([]string, len(w.EventMask))
	for i, k := range w.EventMask {
		mask[i] = string(k)
	}
	_, err := s.db.conn.ExecContext(ctx, `
        INSERT INTO webhooks (id, user_id, kind, destination, event_mask, secret, enabled)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.UserID, w.Kind, w.Destination, pq.Array(mask), w.Secret, w.Enabled)
	if err != nil {
		return fmt.Errorf("%w: insert webhook: %v", core.ErrStoreFailure, err)
	}
	return nil
}

// ListEnabledByUser returns the enabled subscriptions for one user.
func (s *WebhookStore) ListEnabledByUser(ctx context.Context, userID string) ([]core.WebhookSubscription, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
        SELECT id, user_id, kind, destination, event_mask, secret, enabled, failure_count, last_triggered_at
        FROM webhooks WHERE user_id = $1 AND enabled`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list webhooks: %v", core.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []core.WebhookSubscription
	for rows.Next() {
		var w core.WebhookSubscription
		var mask []string
		var last sql.NullTime
		if err := rows.Scan(&w.ID, &w.UserID, &w.Kind, &w.Destination,
			pq.Array(&mask), &w.Secret, &w.Enabled, &w.FailureCount, &last); err != nil {
			return nil, fmt.Errorf("%w: scan webhook: %v", core.ErrStoreFailure, err)
		}
		for _, m := range mask {
			w.EventMask = append(w.EventMask, core.EventKind(m))
		}
		if last.Valid {
			t := last.Time
			w.LastTriggeredAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkDelivered resets failure_count and stamps last_triggered_at after any
// successful delivery.
func (s *WebhookStore) MarkDelivered(ctx context.Context, webhookID string) error {
	_, err := s.db.conn.ExecContext(ctx, `
        UPDATE webhooks SET failure_count = 0, last_triggered_at = now()
        WHERE id = $1`, webhookID)
	if err != nil {
		return fmt.Errorf("%w: mark webhook delivered: %v", core.ErrStoreFailure, err)
	}
	return nil
}

// MarkFailed bumps failure_count after a delivery gave up.
func (s *WebhookStore) MarkFailed(ctx context.Context, webhookID string) error {
	_, err := s.db.conn.ExecContext(ctx, `
        UPDATE webhooks SET failure_count = failure_count + 1
        WHERE id = $1`, webhookID)
	if err != nil {
		return fmt.Errorf("%w: mark webhook failed: %v", core.ErrStoreFailure, err)
	}
	return nil
}
