package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flareemissary/emissary/internal/model"
)

// NotificationJob is a pending delivery job as handed to the queue
// producer, joined against its alert and channel so the job payload is
// self-contained.
type NotificationJob struct {
	NotificationID uuid.UUID
	AlertID        uuid.UUID
	ChannelID      uuid.UUID
	ChannelType    model.ChannelType
	ChannelConfig  map[string]any
	EventID        int64
	Severity       model.Severity
	Message        string
}

// StalePendingNotifications returns pending notifications older than
// olderThan, up to limit rows. Rows locked by another transaction are
// skipped (FOR UPDATE SKIP LOCKED); the lock lasts only for this query and
// nothing marks a row as enqueued, so a row that stays pending is returned
// again by later calls.
func (db *DB) StalePendingNotifications(ctx context.Context, olderThan time.Duration, limit int) ([]NotificationJob, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT n.id, n.alert_id, n.channel_id, c.channel_type, c.config,
		        a.event_id, a.severity, a.message
		 FROM notifications n
		 JOIN alerts a ON a.id = n.alert_id
		 JOIN notification_channels c ON c.id = n.channel_id
		 WHERE n.status = 'pending' AND n.created_at < now() - ($1 * interval '1 microsecond')
		 ORDER BY n.created_at ASC
		 LIMIT $2
		 FOR UPDATE OF n SKIP LOCKED`,
		olderThan.Microseconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale pending notifications: %w", err)
	}
	defer rows.Close()

	var jobs []NotificationJob
	for rows.Next() {
		var j NotificationJob
		var channelType string
		var config []byte
		var severity string
		if err := rows.Scan(&j.NotificationID, &j.AlertID, &j.ChannelID, &channelType, &config, &j.EventID, &severity, &j.Message); err != nil {
			return nil, fmt.Errorf("storage: scan stale notification: %w", err)
		}
		j.ChannelType = model.ChannelType(channelType)
		j.Severity = model.Severity(severity)
		if err := json.Unmarshal(config, &j.ChannelConfig); err != nil {
			return nil, fmt.Errorf("storage: unmarshal channel config: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// PendingNotificationsForAlert returns the pending notifications created
// for alertID, joined against the alert and channel, used by the queue
// producer to build job payloads immediately after a fire.
func (db *DB) PendingNotificationsForAlert(ctx context.Context, alertID uuid.UUID) ([]NotificationJob, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT n.id, n.alert_id, n.channel_id, c.channel_type, c.config,
		        a.event_id, a.severity, a.message
		 FROM notifications n
		 JOIN alerts a ON a.id = n.alert_id
		 JOIN notification_channels c ON c.id = n.channel_id
		 WHERE n.alert_id = $1 AND n.status = 'pending'`,
		alertID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending notifications for alert: %w", err)
	}
	defer rows.Close()

	var jobs []NotificationJob
	for rows.Next() {
		var j NotificationJob
		var channelType string
		var config []byte
		var severity string
		if err := rows.Scan(&j.NotificationID, &j.AlertID, &j.ChannelID, &channelType, &config, &j.EventID, &severity, &j.Message); err != nil {
			return nil, fmt.Errorf("storage: scan notification job: %w", err)
		}
		j.ChannelType = model.ChannelType(channelType)
		j.Severity = model.Severity(severity)
		if err := json.Unmarshal(config, &j.ChannelConfig); err != nil {
			return nil, fmt.Errorf("storage: unmarshal channel config: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkNotificationSent transitions a notification to sent.
func (db *DB) MarkNotificationSent(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE notifications SET status = 'sent', sent_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark notification sent: %w", err)
	}
	return nil
}

// MarkNotificationFailed transitions a notification to failed with detail.
// The queue producer does not call it: a failed push leaves the row pending
// for the sweeper.
func (db *DB) MarkNotificationFailed(ctx context.Context, id uuid.UUID, detail string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE notifications SET status = 'failed', error_detail = $2 WHERE id = $1`, id, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: mark notification failed: %w", err)
	}
	return nil
}

// PendingNotificationDepthEstimate returns pg_class.reltuples for the
// notifications table, for the queue producer's backlog gauge — avoids a
// full COUNT(*) scan under sustained backlog. The estimate covers every row
// of the table, sent and failed ones included, not only pending ones.
func (db *DB) PendingNotificationDepthEstimate(ctx context.Context) (int64, error) {
	var estimate float64
	err := db.pool.QueryRow(ctx,
		`SELECT reltuples FROM pg_class WHERE relname = 'notifications'`,
	).Scan(&estimate)
	if err != nil {
		return 0, fmt.Errorf("storage: notification depth estimate: %w", err)
	}
	if estimate < 0 {
		estimate = 0
	}
	return int64(estimate), nil
}
