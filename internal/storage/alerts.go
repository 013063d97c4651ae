package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flareemissary/emissary/internal/model"
)

// CreateAlert inserts an alert and its pending notification in one
// transaction, guarded by the (subscription_id, event_id) uniqueness
// constraint — replaying an already-seen event is a no-op and returns
// (uuid.Nil, false, nil) rather than an error.
func (db *DB) CreateAlert(ctx context.Context, a model.Alert, channelID uuid.UUID) (alertID uuid.UUID, created bool, err error) {
	err = WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, txErr := db.pool.Begin(ctx)
		if txErr != nil {
			return fmt.Errorf("storage: begin create alert: %w", txErr)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		scanErr := tx.QueryRow(ctx,
			`INSERT INTO alerts (subscription_id, event_id, severity, message, triggered_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (subscription_id, event_id) DO NOTHING
			 RETURNING id`,
			a.SubscriptionID, a.EventID, string(a.Severity), a.Message, a.TriggeredAt,
		).Scan(&alertID)
		if scanErr == pgx.ErrNoRows {
			created = false
			return tx.Commit(ctx)
		}
		if scanErr != nil {
			return fmt.Errorf("storage: insert alert: %w", scanErr)
		}
		created = true

		if _, execErr := tx.Exec(ctx,
			`INSERT INTO notifications (alert_id, channel_id, status) VALUES ($1, $2, 'pending')`,
			alertID, channelID,
		); execErr != nil {
			return fmt.Errorf("storage: insert notification: %w", execErr)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return alertID, created, nil
}
