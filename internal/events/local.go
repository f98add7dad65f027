package events

import (
	"context"
	"sync"
	"time"
)

// LocalBus fans events out to subscribers in the same process.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[chan Event]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.FileID] {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, fileID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	if b.subs[fileID] == nil {
		b.subs[fileID] = make(map[chan Event]struct{})
	}
	b.subs[fileID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			if _, ok := b.subs[fileID][ch]; ok {
				delete(b.subs[fileID], ch)
				if len(b.subs[fileID]) == 0 {
					delete(b.subs, fileID)
				}
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for fileID, chans := range b.subs {
		for ch := range chans {
			close(ch)
		}
		delete(b.subs, fileID)
	}
	return nil
}
