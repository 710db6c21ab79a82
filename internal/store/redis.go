package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/supermancell/bitquery-chart/internal/candle"
)

// Redis keeps bars in one sorted set per channel, scored by bar time.
type Redis struct {
	rdb     *redis.Client
	maxBars int
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFromClient(rdb), nil
}

// NewRedisFromClient wraps an existing go-redis client.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, maxBars: DefaultMaxBars}
}

func barsKey(channel string) string {
	return "bars:" + channel
}

// SaveBar implements BarStore.
func (r *Redis) SaveBar(ctx context.Context, channel string, bar candle.Bar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("failed to marshal bar: %w", err)
	}

	key := barsKey(channel)
	score := strconv.FormatInt(bar.Time, 10)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, score, score)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(bar.Time), Member: data})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.maxBars-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store bar for %s: %w", channel, err)
	}
	return nil
}

// RecentBars implements BarStore.
func (r *Redis) RecentBars(ctx context.Context, channel string, n int) ([]candle.Bar, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	members, err := r.rdb.ZRevRange(ctx, barsKey(channel), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bars for %s: %w", channel, err)
	}

	bars := make([]candle.Bar, len(members))
	for i, m := range members {
		if err := json.Unmarshal([]byte(m), &bars[len(members)-1-i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bar: %w", err)
		}
	}
	return bars, nil
}

// PinnedChannels returns the set of channels that should stay subscribed
// upstream regardless of client demand.
func (r *Redis) PinnedChannels(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pinned channels from Redis: %w", err)
	}
	return members, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.rdb.Close()
}
