package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Due-time index operations. Delayed and retry deliveries live in sorted
// sets whose members are serialized messages and whose scores are the
// due time in unix milliseconds. Sweepers pop due members and promote
// them onto the priority streams.

// AddDue schedules a member to become due at the given time.
func (b *Broker) AddDue(ctx context.Context, key, member string, due time.Time) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.ZAdd(ctx, key, goredis.Z{
		Score:  float64(due.UnixMilli()),
		Member: member,
	}).Err()
}

// PopDue atomically claims up to limit members whose due time has passed.
// Each member is removed as it is claimed, so concurrent sweepers never
// promote the same member twice.
func (b *Broker) PopDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	members, err := b.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(members))
	for _, member := range members {
		removed, err := b.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return claimed, err
		}
		// Another sweeper already took this member.
		if removed == 0 {
			continue
		}
		claimed = append(claimed, member)
	}

	return claimed, nil
}

// DueCount returns how many members are due at or before now.
func (b *Broker) DueCount(ctx context.Context, key string, now time.Time) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	return b.client.ZCount(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
}

// IndexLen returns the total number of scheduled members.
func (b *Broker) IndexLen(ctx context.Context, key string) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	return b.client.ZCard(ctx, key).Result()
}

// RemoveDue unschedules a member regardless of its due time.
func (b *Broker) RemoveDue(ctx context.Context, key, member string) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.client.ZRem(ctx, key, member).Err()
}
