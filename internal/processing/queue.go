package processing

import (
	"context"
	"errors"
	"sync"

	"filevault/internal/models"
)

// Category selects the worker pool and the queue a job travels on. Video
// work never shares a pool with image work.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
)

func CategoryOf(t models.JobType) Category {
	switch t {
	case models.JobVideoThumbnail, models.JobPreview, models.JobTranscode:
		return CategoryVideo
	default:
		return CategoryImage
	}
}

// Message is what travels on the queue; the job row holds everything else.
type Message struct {
	JobID  string         `json:"job_id"`
	FileID string         `json:"file_id"`
	Type   models.JobType `json:"type"`
	// Category is set by the engine; strip-metadata on a video runs in the
	// video pool.
	Category Category `json:"category"`
}

type Queue interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe returns a consumer for one category. Each worker owns one.
	Subscribe(c Category) Consumer
	Close() error
}

type Consumer interface {
	// Next blocks until a message arrives or ctx ends. ack must be called
	// once the message has been handled.
	Next(ctx context.Context) (m Message, ack func(context.Context) error, err error)
	Close() error
}

var ErrQueueClosed = errors.New("processing: queue closed")

// MemQueue is an in-process queue with one buffered channel per category.
type MemQueue struct {
	mu     sync.RWMutex
	chans  map[Category]chan Message
	done   chan struct{}
	closed bool
}

var _ Queue = (*MemQueue)(nil)

func NewMemQueue(buffer int) *MemQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemQueue{
		chans: map[Category]chan Message{
			CategoryImage: make(chan Message, buffer),
			CategoryVideo: make(chan Message, buffer),
		},
		done: make(chan struct{}),
	}
}

func (q *MemQueue) Publish(ctx context.Context, m Message) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	ch, ok := q.chans[m.Category]
	if !ok {
		ch = q.chans[CategoryImage]
	}
	// Close must not wait behind a publisher blocked on a full buffer.
	q.mu.RUnlock()
	select {
	case ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

func (q *MemQueue) Subscribe(c Category) Consumer {
	return &memConsumer{q: q, ch: q.chans[c]}
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

type memConsumer struct {
	q  *MemQueue
	ch chan Message
}

func noAck(context.Context) error { return nil }

func (c *memConsumer) Next(ctx context.Context) (Message, func(context.Context) error, error) {
	select {
	case m := <-c.ch:
		return m, noAck, nil
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	case <-c.q.done:
		return Message{}, nil, ErrQueueClosed
	}
}

func (c *memConsumer) Close() error { return nil }
