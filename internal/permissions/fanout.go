package permissions

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	invalidateChannel  = "permissions.invalidate"
	invalidateAllToken = "*"
)

// Fanout propagates cache invalidations across instances over Redis pub/sub.
// Publishing is fire-and-forget: a failed publish is logged, never surfaced,
// because the local invalidation has already happened and remote entries
// still age out by TTL. A nil Fanout is a no-op, so single-instance
// deployments can skip Redis entirely.
type Fanout struct {
	client *redis.Client
	cache  *Cache
	logger *slog.Logger
}

// NewFanout constructs a Fanout bound to the local cache.
func NewFanout(client *redis.Client, cache *Cache, logger *slog.Logger) *Fanout {
	return &Fanout{client: client, cache: cache, logger: logger}
}

// Publish broadcasts an invalidation for one user.
func (f *Fanout) Publish(ctx context.Context, userID string) {
	f.publish(ctx, userID)
}

// PublishAll broadcasts a full cache flush.
func (f *Fanout) PublishAll(ctx context.Context) {
	f.publish(ctx, invalidateAllToken)
}

func (f *Fanout) publish(ctx context.Context, payload string) {
	if f == nil || f.client == nil {
		return
	}
	if err := f.client.Publish(ctx, invalidateChannel, payload).Err(); err != nil && f.logger != nil {
		f.logger.Warn("publish cache invalidation", slog.String("payload", payload), slog.Any("error", err))
	}
}

// Listen subscribes to invalidation broadcasts and drops matching local
// entries until the context is cancelled. Re-applying an invalidation this
// instance published itself is harmless.
func (f *Fanout) Listen(ctx context.Context) error {
	if f == nil || f.client == nil {
		return nil
	}
	pubsub := f.client.Subscribe(ctx, invalidateChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == invalidateAllToken {
					f.cache.InvalidateAll()
					continue
				}
				f.cache.Invalidate(msg.Payload)
			}
		}
	}()
	return nil
}
