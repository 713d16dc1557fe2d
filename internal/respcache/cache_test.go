package respcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/storage"
	logx "arpgbot/pkg/logx"
)

type season struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func newCache(t *testing.T, ttl time.Duration) (*Cache, *storage.Memory, *time.Time) {
	t.Helper()
	st := storage.NewMemory()
	c := New(st, ttl, logx.Nop())
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	return c, st, &now
}

func TestLoadHonorsTTL(t *testing.T) {
	t.Parallel()

	c, _, now := newCache(t, 5*time.Minute)
	var calls atomic.Int32
	load := func(context.Context) ([]season, time.Duration, error) {
		n := calls.Add(1)
		return []season{{Key: "s", Name: string(rune('A' - 1 + n))}}, 0, nil
	}

	v, err := Load(context.Background(), c, "seasons:poe", load)
	require.NoError(t, err)
	assert.Equal(t, "A", v[0].Name)

	*now = now.Add(4*time.Minute + 59*time.Second)
	v, err = Load(context.Background(), c, "seasons:poe", load)
	require.NoError(t, err)
	assert.Equal(t, "A", v[0].Name)

	// exactly at expiry the entry is stale
	*now = now.Add(time.Second)
	v, err = Load(context.Background(), c, "seasons:poe", load)
	require.NoError(t, err)
	assert.Equal(t, "B", v[0].Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoadUsesLoaderTTL(t *testing.T) {
	t.Parallel()

	c, st, now := newCache(t, 5*time.Minute)
	_, err := Load(context.Background(), c, "k", func(context.Context) (int, time.Duration, error) {
		return 7, 30 * time.Second, nil
	})
	require.NoError(t, err)

	rec, ok, err := st.GetResponse(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.ExpiresAt.Equal(now.Add(30*time.Second)))
}

func TestLoaderErrorNotCached(t *testing.T) {
	t.Parallel()

	c, st, _ := newCache(t, time.Minute)
	boom := errors.New("upstream down")
	_, err := Load(context.Background(), c, "k", func(context.Context) (int, time.Duration, error) {
		return 0, 0, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := st.GetResponse(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := Load(context.Background(), c, "k", func(context.Context) (int, time.Duration, error) {
		return 3, 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestUndecodableEntryIsMiss(t *testing.T) {
	t.Parallel()

	c, st, now := newCache(t, time.Minute)
	require.NoError(t, st.PutResponse(context.Background(), "k", storage.ResponseRecord{
		Payload:   []byte(`{"not":"a list"}`),
		ExpiresAt: now.Add(time.Hour),
	}))

	v, err := Load(context.Background(), c, "k", func(context.Context) ([]season, time.Duration, error) {
		return []season{{Key: "x"}}, 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", v[0].Key)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, time.Minute)
	release := make(chan struct{})
	var calls atomic.Int32
	load := func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		<-release
		return "v", 0, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Load(context.Background(), c, "k", load)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookupAndPrune(t *testing.T) {
	t.Parallel()

	c, _, now := newCache(t, time.Minute)
	_, ok := Lookup[int](context.Background(), c, "k")
	assert.False(t, ok)

	_, err := Load(context.Background(), c, "k", func(context.Context) (int, time.Duration, error) { return 1, 0, nil })
	require.NoError(t, err)
	v, ok := Lookup[int](context.Background(), c, "k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	*now = now.Add(2 * time.Minute)
	n, err := c.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context) (string, time.Duration, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return "", 0, err
		}
		return "v", 0, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := Load(first, c, "seasons:poe", load)
		firstDone <- err
	}()
	<-started

	secondDone := make(chan string, 1)
	go func() {
		v, err := Load(context.Background(), c, "seasons:poe", load)
		assert.NoError(t, err)
		secondDone <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	select {
	case v := <-secondDone:
		assert.Equal(t, "v", v)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Nil(t, loadErr.Load(), "shared load must not see the first caller's cancellation")
}

func TestSharedLoadIsBounded(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, time.Minute)
	c.loadTimeout = 20 * time.Millisecond
	_, err := Load(context.Background(), c, "k", func(ctx context.Context) (int, time.Duration, error) {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
