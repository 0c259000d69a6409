package redis

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Stream operations. Errors coming back from Redis commands are returned
// unwrapped so callers can match on goredis.Nil.

// Add appends a message to a stream and returns its generated ID.
func (b *Broker) Add(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	if err := b.guard(); err != nil {
		return "", err
	}

	return b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
}

// AddWithID appends a message with an explicit stream ID.
func (b *Broker) AddWithID(ctx context.Context, stream, id string, values map[string]interface{}) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		ID:     id,
		Values: values,
	}).Err()
}

// Read reads up to count entries from a stream starting after fromID.
// A negative block disables blocking; zero blocks indefinitely.
func (b *Broker) Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]goredis.XMessage, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	streams, err := b.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// ReadGroup reads new entries from a stream on behalf of a consumer group.
func (b *Broker) ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]goredis.XMessage, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	streams, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// Ack acknowledges delivered entries for a consumer group.
func (b *Broker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.XAck(ctx, stream, group, ids...).Err()
}

// EnsureGroup creates a consumer group at the given start position,
// creating the stream as a side effect. An already existing group is not
// an error.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group, start string) error {
	if err := b.guard(); err != nil {
		return err
	}

	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Pending lists pending entries of a consumer group older than minIdle.
func (b *Broker) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]goredis.XPendingExt, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	return b.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim transfers ownership of pending entries to another consumer.
func (b *Broker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]goredis.XMessage, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	return b.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

// Len returns the number of entries in a stream.
func (b *Broker) Len(ctx context.Context, stream string) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	return b.client.XLen(ctx, stream).Result()
}

// Range returns entries between two stream IDs, inclusive.
func (b *Broker) Range(ctx context.Context, stream, start, stop string, count int64) ([]goredis.XMessage, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	if count > 0 {
		return b.client.XRangeN(ctx, stream, start, stop, count).Result()
	}
	return b.client.XRange(ctx, stream, start, stop).Result()
}

// DeleteMessages removes individual entries from a stream.
func (b *Broker) DeleteMessages(ctx context.Context, stream string, ids ...string) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.XDel(ctx, stream, ids...).Err()
}

// DropStream deletes the stream key entirely, including its groups.
func (b *Broker) DropStream(ctx context.Context, stream string) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.Del(ctx, stream).Err()
}

// Trim caps a stream at approximately maxLen entries.
func (b *Broker) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

// Groups returns consumer group metadata for a stream.
func (b *Broker) Groups(ctx context.Context, stream string) ([]goredis.XInfoGroup, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	return b.client.XInfoGroups(ctx, stream).Result()
}
