package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the redis CacheStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// redisCache keeps token and response rows in redis. Keys expire with the
// record so redis does the pruning.
type redisCache struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

type redisRecord struct {
	Value     []byte    `json:"v"`
	ExpiresAt time.Time `json:"exp"`
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig) (CacheStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCache(rdb, cfg.KeyPrefix), nil
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client, prefix string) CacheStore {
	if prefix == "" {
		prefix = "arpgbot:"
	}
	return &redisCache{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *redisCache) key(kind, k string) string { return r.prefix + kind + ":" + k }

func (r *redisCache) get(ctx context.Context, op, key string) (redisRecord, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisRecord{}, false, nil
	}
	if err != nil {
		return redisRecord{}, false, storageErr(op, err)
	}
	var rec redisRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return redisRecord{}, false, nil
	}
	return rec, true, nil
}

func (r *redisCache) put(ctx context.Context, op, key string, rec redisRecord) error {
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return storageErr(op, r.rdb.Del(ctx, key).Err())
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return storageErr(op, err)
	}
	return storageErr(op, r.rdb.Set(ctx, key, b, ttl).Err())
}

func (r *redisCache) GetToken(ctx context.Context, key string) (TokenRecord, bool, error) {
	rec, ok, err := r.get(ctx, "redis.get_token", r.key("token", key))
	if !ok || err != nil {
		return TokenRecord{}, false, err
	}
	return TokenRecord{Token: string(rec.Value), ExpiresAt: rec.ExpiresAt}, true, nil
}

func (r *redisCache) PutToken(ctx context.Context, key string, rec TokenRecord) error {
	return r.put(ctx, "redis.put_token", r.key("token", key), redisRecord{Value: []byte(rec.Token), ExpiresAt: rec.ExpiresAt.UTC()})
}

func (r *redisCache) GetResponse(ctx context.Context, key string) (ResponseRecord, bool, error) {
	rec, ok, err := r.get(ctx, "redis.get_response", r.key("cache", key))
	if !ok || err != nil {
		return ResponseRecord{}, false, err
	}
	return ResponseRecord{Payload: rec.Value, ExpiresAt: rec.ExpiresAt}, true, nil
}

func (r *redisCache) PutResponse(ctx context.Context, key string, rec ResponseRecord) error {
	return r.put(ctx, "redis.put_response", r.key("cache", key), redisRecord{Value: rec.Payload, ExpiresAt: rec.ExpiresAt.UTC()})
}

// DeleteExpired is a no-op: redis expires keys itself.
func (r *redisCache) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

func (r *redisCache) Close() error { return r.rdb.Close() }
