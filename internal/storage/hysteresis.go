package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flareemissary/emissary/internal/model"
)

// GetHysteresisState loads the state for (subscriptionID, stateKey), or
// (zero-value, false) if it has never been observed.
func (db *DB) GetHysteresisState(ctx context.Context, subscriptionID uuid.UUID, stateKey string) (model.HysteresisState, bool, error) {
	var s model.HysteresisState
	s.SubscriptionID = subscriptionID
	s.StateKey = stateKey

	err := db.pool.QueryRow(ctx,
		`SELECT in_alert, last_fire_at, last_value FROM hysteresis_state
		 WHERE subscription_id = $1 AND state_key = $2`,
		subscriptionID, stateKey,
	).Scan(&s.InAlert, &s.LastFireAt, &s.LastValue)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.HysteresisState{}, false, nil
		}
		return model.HysteresisState{}, false, fmt.Errorf("storage: get hysteresis state: %w", err)
	}
	return s, true, nil
}

// UpsertHysteresisState writes the new state and notifies
// ChannelHysteresis so in-process read-through caches can invalidate.
func (db *DB) UpsertHysteresisState(ctx context.Context, s model.HysteresisState) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO hysteresis_state (subscription_id, state_key, in_alert, last_fire_at, last_value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (subscription_id, state_key) DO UPDATE
		   SET in_alert = $3, last_fire_at = $4, last_value = $5`,
		s.SubscriptionID, s.StateKey, s.InAlert, s.LastFireAt, s.LastValue,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert hysteresis state: %w", err)
	}
	if err := db.Notify(ctx, ChannelHysteresis, s.SubscriptionID.String()+":"+s.StateKey); err != nil {
		return fmt.Errorf("storage: notify hysteresis change: %w", err)
	}
	return nil
}
