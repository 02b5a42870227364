package cache

import (
	"context"
	"time"
)

// Cache is the subset of key-value operations the arena needs.
type Cache interface {
	// Get returns "" without error when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a value. A zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZSetOps

	Ping(ctx context.Context) error
	Close() error
}

// ZSetOps backs the recent-jobs index.
type ZSetOps interface {
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	// ZRevRange returns members from highest to lowest score.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ZRemRangeByRank removes members by ascending rank.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	ZCard(ctx context.Context, key string) (int64, error)
}

// ZMember is a scored sorted-set member
type ZMember struct {
	Score  float64
	Member string
}
