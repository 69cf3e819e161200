package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which (dedupe key, recipient) pairs already have a
// notification row. Marks are written only after the insert commits, so a
// crash in between leaves the retry free to deliver; the notifications unique
// index absorbs the duplicate insert.
type Deduper interface {
	Delivered(ctx context.Context, dedupeKey, userID string) (bool, error)
	MarkDelivered(ctx context.Context, dedupeKey, userID string) error
}

// RedisDeduper keeps delivery marks as plain keys with a TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(redisURL string, ttl time.Duration) (*RedisDeduper, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDeduperWithClient(client, ttl), nil
}

func NewRedisDeduperWithClient(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{
		client: client,
		prefix: "notify:",
		ttl:    ttl,
	}
}

func (d *RedisDeduper) key(dedupeKey, userID string) string {
	return d.prefix + dedupeKey + ":" + userID
}

func (d *RedisDeduper) Delivered(ctx context.Context, dedupeKey, userID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(dedupeKey, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check notification %s: %w", dedupeKey, err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkDelivered(ctx context.Context, dedupeKey, userID string) error {
	if err := d.client.Set(ctx, d.key(dedupeKey, userID), time.Now().Unix(), d.ttl).Err(); err != nil {
		return fmt.Errorf("mark notification %s: %w", dedupeKey, err)
	}
	return nil
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// NopDeduper remembers nothing; the notifications unique index is then the
// only guard.
type NopDeduper struct{}

func (NopDeduper) Delivered(context.Context, string, string) (bool, error) { return false, nil }
func (NopDeduper) MarkDelivered(context.Context, string, string) error     { return nil }
