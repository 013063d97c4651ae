// Package queue hands finished alerts to the out-of-process delivery
// workers over a Redis stream. The core only writes: workers consume the
// stream with competing consumer groups and report delivery outcomes by
// updating notifications.status directly.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/flareemissary/emissary/internal/model"
	"github.com/flareemissary/emissary/internal/storage"
	"github.com/flareemissary/emissary/internal/telemetry"
)

// StreamClient is the slice of the Redis API the producer uses, kept
// narrow so tests can fake the stream without a Redis server.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Store is the persistence surface the producer needs: job lookup for
// fresh alerts and the stale-pending sweep for retry.
type Store interface {
	PendingNotificationsForAlert(ctx context.Context, alertID uuid.UUID) ([]storage.NotificationJob, error)
	StalePendingNotifications(ctx context.Context, olderThan time.Duration, limit int) ([]storage.NotificationJob, error)
	PendingNotificationDepthEstimate(ctx context.Context) (int64, error)
}

// Producer pushes one delivery job per pending notification onto the
// configured Redis stream. The notification row itself is committed by
// the hysteresis engine before the producer ever sees it, so a failed
// push loses nothing: the row stays pending and the sweeper retries it.
type Producer struct {
	client StreamClient
	store  Store
	stream string
	logger *slog.Logger
}

// NewProducer builds a producer writing to the named stream.
func NewProducer(client StreamClient, store Store, stream string, logger *slog.Logger) *Producer {
	p := &Producer{
		client: client,
		store:  store,
		stream: stream,
		logger: logger,
	}
	p.registerMetrics()
	return p
}

// jobPayload is the body delivered to workers, carried as a single JSON
// field in the stream entry. Workers deduplicate by notification_id if
// they retry after a partial send.
type jobPayload struct {
	AlertID  uuid.UUID      `json:"alert_id"`
	EventID  int64          `json:"event_id"`
	Severity model.Severity `json:"severity"`
	Message  string         `json:"message"`
}

// EnqueueAlert pushes a job for every pending notification of alertID.
// Implements the alert matcher's post-fire hand-off; a push failure is
// returned as a *QueueError so the caller can log and move on — the
// notification row stays pending and the sweeper picks it up.
func (p *Producer) EnqueueAlert(ctx context.Context, a model.Alert, _ uuid.UUID) error {
	jobs, err := p.store.PendingNotificationsForAlert(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("queue: load jobs for alert %s: %w", a.ID, err)
	}
	for _, job := range jobs {
		if err := p.push(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// push serializes one job and XADDs it to the stream. Stream entries are
// ordered per stream, persistent (subject to Redis persistence config),
// and drained by competing consumers in the workers' consumer group.
func (p *Producer) push(ctx context.Context, job storage.NotificationJob) error {
	payload, err := json.Marshal(jobPayload{
		AlertID:  job.AlertID,
		EventID:  job.EventID,
		Severity: job.Severity,
		Message:  job.Message,
	})
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	config, err := json.Marshal(job.ChannelConfig)
	if err != nil {
		return fmt.Errorf("queue: marshal channel config: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"notification_id": job.NotificationID.String(),
			"channel_type":    string(job.ChannelType),
			"config":          string(config),
			"payload":         string(payload),
		},
	}).Err()
	if err != nil {
		return &QueueError{NotificationID: job.NotificationID, Err: err}
	}

	p.logger.Debug("queue: job enqueued",
		"notification_id", job.NotificationID,
		"channel_type", job.ChannelType,
	)
	return nil
}

func (p *Producer) registerMetrics() {
	meter := telemetry.Meter("emissary/queue")

	_, _ = meter.Int64ObservableGauge("emissary.queue.pending_depth",
		metric.WithDescription("Estimated notification rows of any status (via pg_class.reltuples)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := p.store.PendingNotificationDepthEstimate(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(n)
			return nil
		}),
	)
}
