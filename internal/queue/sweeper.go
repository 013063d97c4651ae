package queue

import (
	"context"
	"time"
)

const sweepBatchSize = 100

// RunSweeper re-enqueues pending notifications that have sat unpushed for
// longer than retryAfter, ticking every interval until ctx is canceled.
// It exists for the window where the alert row committed but the stream
// push failed (Redis down, process crash between commit and push): the
// rows stay pending and this loop eventually delivers them. Re-pushing a
// job a worker already drained is harmless — workers deduplicate by
// notification_id.
func (p *Producer) RunSweeper(ctx context.Context, interval, retryAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, retryAfter)
		}
	}
}

func (p *Producer) sweep(ctx context.Context, retryAfter time.Duration) {
	jobs, err := p.store.StalePendingNotifications(ctx, retryAfter, sweepBatchSize)
	if err != nil {
		p.logger.Error("queue: sweep: load stale notifications", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	pushed := 0
	for _, job := range jobs {
		if err := p.push(ctx, job); err != nil {
			// Stream still unavailable; the rest of the batch will fail
			// the same way, so stop and wait for the next tick.
			p.logger.Warn("queue: sweep: push failed", "error", err)
			break
		}
		pushed++
	}
	p.logger.Info("queue: sweep complete", "stale", len(jobs), "pushed", pushed)
}
