package escalate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses duplicate caregiver alerts when a timer fire and a
// sweep race on the same subject. It is an optimization on top of the
// store's compare-and-swap, not the source of truth.
type Deduper interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string)
}

type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, "escalation:"+key, 1, ttl).Result()
}

// Release frees the lease after a failed send so the retry path can acquire
// it again.
func (d *RedisDeduper) Release(ctx context.Context, key string) {
	d.client.Del(ctx, "escalation:"+key)
}

// NopDeduper always grants the lease; used when Redis is unavailable and in
// tests, where the store CAS alone guarantees a single stamp.
type NopDeduper struct{}

func (NopDeduper) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopDeduper) Release(context.Context, string)                              {}
