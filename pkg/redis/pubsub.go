package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// Pub/sub carries cross-node notifications that do not need stream
// durability, such as presence changes between gateway instances.

// Publish sends a payload to a pub/sub channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription for the given channels. The
// caller owns the returned subscription and must close it.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}
