package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"filevault/internal/models"
)

// RedisBus publishes on one pub/sub channel per file so every node can serve
// a subscriber regardless of which node runs the job.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(ctx context.Context, cfg models.EventsConfig, log *zap.Logger) (*RedisBus, error) {
	const op = "events.NewRedisBus"
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &RedisBus{
		client: client,
		prefix: cfg.ChannelPrefix,
		log:    log.With(zap.String("component", "events")),
	}, nil
}

func (b *RedisBus) channel(fileID string) string {
	return b.prefix + ":" + fileID
}

func (b *RedisBus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("encode event", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel(e.FileID), payload).Err(); err != nil {
		b.log.Debug("publish event dropped", zap.String("file_id", e.FileID), zap.Error(err))
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, fileID string) (<-chan Event, func(), error) {
	const op = "events.RedisBus.Subscribe"
	pubsub := b.client.Subscribe(ctx, b.channel(fileID))
	// Receive waits for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
