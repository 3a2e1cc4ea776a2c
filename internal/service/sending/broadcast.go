package sending

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay/internal/pkg/logger"
)

// InvalidationChannel carries provider ids whose rows changed.
const InvalidationChannel = "relay:providers:invalidate"

// Broadcaster fans provider invalidations out to every process holding a
// Registry. The API publishes; workers Listen.
type Broadcaster struct {
	rdb   *redis.Client
	local *Registry
}

// NewBroadcaster creates a broadcaster. local may be nil in processes that
// do not cache providers.
func NewBroadcaster(rdb *redis.Client, local *Registry) *Broadcaster {
	return &Broadcaster{rdb: rdb, local: local}
}

// Invalidate drops id locally and publishes it to the other processes.
func (b *Broadcaster) Invalidate(id int64) {
	if b.local != nil {
		b.local.Invalidate(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, InvalidationChannel, strconv.FormatInt(id, 10)).Err(); err != nil {
		logger.Warn("provider invalidation publish failed", "provider_id", id, "error", err)
	}
}

// Listen applies published invalidations to the local registry until ctx
// is cancelled. ready, if non-nil, is closed once the subscription is live.
func (b *Broadcaster) Listen(ctx context.Context, ready chan<- struct{}) error {
	sub := b.rdb.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				logger.Warn("bad provider invalidation", "payload", msg.Payload)
				continue
			}
			if b.local != nil {
				b.local.Invalidate(id)
			}
		}
	}
}
