package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flareemissary/emissary/internal/model"
)

// ActiveSubscriptionsFor returns active subscriptions matching address and
// event type (or the wildcard event type '*'), joined against the address's
// raw string — the alert matcher's candidate lookup.
func (db *DB) ActiveSubscriptionsFor(ctx context.Context, address string, chain string, eventType model.EventType) ([]model.Subscription, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.user_id, s.address_id, s.channel_id, s.event_type, s.threshold_config, s.active, a.address
		 FROM subscriptions s
		 JOIN monitored_addresses a ON a.id = s.address_id
		 WHERE a.address = $1 AND a.chain = $2
		   AND s.active
		   AND (s.event_type = $3 OR s.event_type = $4)`,
		address, chain, string(eventType), string(model.EventAny),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var s model.Subscription
		var et string
		var cfg []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.AddressID, &s.ChannelID, &et, &cfg, &s.Active, &s.Address); err != nil {
			return nil, fmt.Errorf("storage: scan subscription: %w", err)
		}
		s.EventType = model.EventType(et)
		if err := json.Unmarshal(cfg, &s.ThresholdConfig); err != nil {
			return nil, fmt.Errorf("storage: unmarshal threshold config: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// CreateSubscription inserts a new subscription.
func (db *DB) CreateSubscription(ctx context.Context, s model.Subscription) (uuid.UUID, error) {
	cfg, err := json.Marshal(s.ThresholdConfig)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal threshold config: %w", err)
	}

	var id uuid.UUID
	err = db.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, address_id, channel_id, event_type, threshold_config, active)
		 VALUES ($1, $2, $3, $4, $5::jsonb, true)
		 RETURNING id`,
		s.UserID, s.AddressID, s.ChannelID, string(s.EventType), cfg,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create subscription: %w", err)
	}
	return id, nil
}

// ListSubscriptionsForUser returns a user's subscriptions, used by cmd/api.
func (db *DB) ListSubscriptionsForUser(ctx context.Context, userID uuid.UUID) ([]model.Subscription, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, address_id, channel_id, event_type, threshold_config, active
		 FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var s model.Subscription
		var et string
		var cfg []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.AddressID, &s.ChannelID, &et, &cfg, &s.Active); err != nil {
			return nil, fmt.Errorf("storage: scan subscription: %w", err)
		}
		s.EventType = model.EventType(et)
		if err := json.Unmarshal(cfg, &s.ThresholdConfig); err != nil {
			return nil, fmt.Errorf("storage: unmarshal threshold config: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
