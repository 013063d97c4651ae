package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flareemissary/emissary/internal/model"
)

// ChannelByID loads a notification channel, used by cmd/api.
func (db *DB) ChannelByID(ctx context.Context, id uuid.UUID) (model.NotificationChannel, error) {
	var c model.NotificationChannel
	var channelType string
	var config []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, channel_type, config, verified FROM notification_channels WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserID, &channelType, &config, &c.Verified)
	if err != nil {
		return model.NotificationChannel{}, fmt.Errorf("storage: channel by id: %w", err)
	}
	c.ChannelType = model.ChannelType(channelType)
	if err := json.Unmarshal(config, &c.Config); err != nil {
		return model.NotificationChannel{}, fmt.Errorf("storage: unmarshal channel config: %w", err)
	}
	return c, nil
}
