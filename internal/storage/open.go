package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "arpgbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Split is a Store whose token and response rows live in a separate
// CacheStore (redis) while subscriptions and the ledger stay in base.
type Split struct {
	Store
	cache CacheStore
}

// WithCache routes token and response calls of base to cache.
func WithCache(base Store, cache CacheStore) *Split {
	return &Split{Store: base, cache: cache}
}

func (s *Split) GetToken(ctx context.Context, key string) (TokenRecord, bool, error) {
	return s.cache.GetToken(ctx, key)
}

func (s *Split) PutToken(ctx context.Context, key string, rec TokenRecord) error {
	return s.cache.PutToken(ctx, key, rec)
}

func (s *Split) GetResponse(ctx context.Context, key string) (ResponseRecord, bool, error) {
	return s.cache.GetResponse(ctx, key)
}

func (s *Split) PutResponse(ctx context.Context, key string, rec ResponseRecord) error {
	return s.cache.PutResponse(ctx, key, rec)
}

func (s *Split) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return s.cache.DeleteExpired(ctx, now)
}

func (s *Split) Close() error {
	cerr := s.cache.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cerr
}
