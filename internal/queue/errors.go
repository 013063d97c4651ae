package queue

import (
	"fmt"

	"github.com/google/uuid"
)

// QueueError means a job could not be pushed onto the Redis stream. The
// notification row it belongs to remains pending, so the sweeper will
// retry it; callers log and continue rather than failing the pipeline.
type QueueError struct {
	NotificationID uuid.UUID
	Err            error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue: notification %s: %v", e.NotificationID, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }
