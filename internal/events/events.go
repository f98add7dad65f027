// Package events carries advisory processing notifications keyed by file id.
// Delivery is best effort: publishing never fails the caller and slow
// subscribers lose events.
package events

import (
	"context"
	"time"

	"filevault/internal/models"
)

type Type string

const (
	TypeQueued   Type = "processing:queued"
	TypeStatus   Type = "processing:status"
	TypeProgress Type = "processing:progress"
	TypeComplete Type = "processing:complete"
	TypeError    Type = "processing:error"
)

type Event struct {
	Type     Type             `json:"type"`
	FileID   string           `json:"file_id"`
	JobID    string           `json:"job_id,omitempty"`
	JobType  models.JobType   `json:"job_type,omitempty"`
	Status   models.JobStatus `json:"status,omitempty"`
	Progress int              `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	At       time.Time        `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Subscriber interface {
	// Subscribe streams events for fileID until cancel is called or ctx ends.
	Subscribe(ctx context.Context, fileID string) (events <-chan Event, cancel func(), err error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// subscriberBuffer is the per-subscriber queue depth before events drop.
const subscriberBuffer = 32
