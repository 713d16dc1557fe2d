// Package respcache is a read-through cache for upstream responses.
//
// Values are stored JSON-encoded with an absolute expiry. An entry at or
// past its expiry is never returned. Loader errors are not cached.
package respcache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"arpgbot/internal/observability/metrics"
	"arpgbot/internal/storage"
	logx "arpgbot/pkg/logx"
)

// Loader fetches a fresh value. A ttl of zero means "use the default".
type Loader[T any] func(ctx context.Context) (value T, ttl time.Duration, err error)

// defaultLoadTimeout bounds a shared load once it is detached from the
// caller that started it.
const defaultLoadTimeout = 30 * time.Second

type Cache struct {
	store       storage.ResponseStore
	defaultTTL  time.Duration
	loadTimeout time.Duration
	log         logx.Logger
	now         func() time.Time

	flight singleflight.Group
}

func New(store storage.ResponseStore, defaultTTL time.Duration, log logx.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{store: store, defaultTTL: defaultTTL, loadTimeout: defaultLoadTimeout, log: log, now: time.Now}
}

// SetClock replaces the time source (tests).
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Lookup returns the fresh cached value for key without loading.
func Lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T
	rec, ok, err := c.store.GetResponse(ctx, key)
	if err != nil {
		c.log.Warn("response cache read failed", logx.String("key", key), logx.Err(err))
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return zero, false
	}
	if !ok || !c.now().Before(rec.ExpiresAt) {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		c.log.Debug("response cache entry undecodable", logx.String("key", key), logx.Err(err))
		return zero, false
	}
	return v, true
}

// Load returns the fresh cached value for key, or calls load, stores the
// result and returns it. Concurrent misses on one key share a single load.
// The shared load outlives the caller that started it; each caller only
// stops waiting when its own ctx is done.
//
// A failing store degrades to uncached loads.
func Load[T any](ctx context.Context, c *Cache, key string, load Loader[T]) (T, error) {
	var zero T
	if v, ok := Lookup[T](ctx, c, key); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(detached, c.loadTimeout)
		defer cancel()
		// a flight that just finished may have filled the entry
		if v, ok := Lookup[T](lctx, c, key); ok {
			return v, nil
		}
		v, ttl, err := load(lctx)
		if err != nil {
			return nil, err
		}
		c.put(lctx, key, v, ttl)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (c *Cache) put(ctx context.Context, key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("response cache encode failed", logx.String("key", key), logx.Err(err))
		return
	}
	rec := storage.ResponseRecord{Payload: b, ExpiresAt: c.now().Add(ttl).UTC()}
	if err := c.store.PutResponse(ctx, key, rec); err != nil {
		c.log.Warn("response cache write failed", logx.String("key", key), logx.Err(err))
	}
}

// Prune deletes expired rows and returns how many were removed.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	return c.store.DeleteExpired(ctx, c.now())
}
