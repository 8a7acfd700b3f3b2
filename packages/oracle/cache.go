package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cotations/packages/metrics"
)

// ErrCacheMiss reports a key absent from the response cache.
var ErrCacheMiss = errors.New("oracle: cache miss")

// Extractor is the single-call surface the batch loop depends on; *Client
// and *Cached both satisfy it.
type Extractor interface {
	Extract(ctx context.Context, description string) (string, error)
}

// KV is the slice of redis the response cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cached wraps an Extractor with a response cache. Cache trouble is logged
// and degraded to a direct oracle call, never surfaced to the record.
type Cached struct {
	inner Extractor
	kv    KV
	model string
	ttl   time.Duration
}

func NewCached(inner Extractor, kv KV, model string, ttl time.Duration) *Cached {
	return &Cached{inner: inner, kv: kv, model: model, ttl: ttl}
}

func (c *Cached) Extract(ctx context.Context, description string) (string, error) {
	key := cacheKey(c.model, description)

	val, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		metrics.OracleCacheLookups.WithLabelValues("hit").Inc()
		return val, nil
	case errors.Is(err, ErrCacheMiss):
		metrics.OracleCacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.OracleCacheLookups.WithLabelValues("error").Inc()
		slog.Warn("Oracle cache read failed, calling oracle directly", "error", err)
	}

	raw, err := c.inner.Extract(ctx, description)
	if err != nil {
		return "", err
	}
	if err := c.kv.Set(ctx, key, raw, c.ttl); err != nil {
		slog.Warn("Oracle cache write failed", "error", err)
	}
	return raw, nil
}

func cacheKey(model, description string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + description))
	return "cotations:oracle:" + hex.EncodeToString(sum[:])
}

// RedisKV adapts a go-redis client to the KV interface.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV { return &RedisKV{rdb: rdb} }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}
