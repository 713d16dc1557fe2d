package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/apperr"
)

func newRedisCache(t *testing.T) (*redisCache, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rc := NewRedisCache(rdb, "test:").(*redisCache)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rc.now = func() time.Time { return now }
	return rc, mr, &now
}

func TestRedisTokenExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, mr, now := newRedisCache(t)

	exp := now.Add(10 * time.Second)
	require.NoError(t, rc.PutToken(ctx, "https://api/token", TokenRecord{Token: "abc", ExpiresAt: exp}))
	assert.True(t, mr.Exists("test:token:https://api/token"))
	assert.Equal(t, 10*time.Second, mr.TTL("test:token:https://api/token"))

	rec, ok, err := rc.GetToken(ctx, "https://api/token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", rec.Token)
	assert.True(t, rec.ExpiresAt.Equal(exp))

	mr.FastForward(11 * time.Second)
	_, ok, err = rc.GetToken(ctx, "https://api/token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisResponseRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, mr, now := newRedisCache(t)

	_, ok, err := rc.GetResponse(ctx, "seasons:poe")
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte(`[{"key":"s1"}]`)
	require.NoError(t, rc.PutResponse(ctx, "seasons:poe", ResponseRecord{Payload: payload, ExpiresAt: now.Add(time.Minute)}))
	rec, ok, err := rc.GetResponse(ctx, "seasons:poe")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, rec.Payload)

	// an already expired record removes the key
	require.NoError(t, rc.PutResponse(ctx, "seasons:poe", ResponseRecord{Payload: payload, ExpiresAt: now.Add(-time.Second)}))
	assert.False(t, mr.Exists("test:cache:seasons:poe"))

	// undecodable values read as a miss
	require.NoError(t, mr.Set("test:cache:garbage", "not json"))
	_, ok, err = rc.GetResponse(ctx, "garbage")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := rc.DeleteExpired(ctx, *now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisUnavailableIsStorageError(t *testing.T) {
	t.Parallel()
	rc, mr, _ := newRedisCache(t)
	mr.Close()

	_, _, err := rc.GetToken(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := OpenRedis(context.Background(), RedisConfig{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	c, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
