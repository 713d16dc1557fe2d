package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/apperr"
	logx "arpgbot/pkg/logx"
)

type fakeTokens struct {
	mu          sync.Mutex
	n           int
	invalidated []string
	err         error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("tok-%d", f.n), nil
}

func (f *fakeTokens) Invalidate(tok string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, tok)
	f.n++
}

func newTestClient(t *testing.T, h http.Handler, tokens TokenSource, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, RatePerSec: 1000, RetryMax: 2}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, srv.Client(), tokens, logx.Nop())
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

const poeSeasons = `{"seasons":[
  {"id":"s2","name":"Second","start":"2026-03-01T00:00:00Z","end":"2026-06-01T00:00:00Z"},
  {"name":"NoStart"},
  {"id":"s1","name":"First","start":"2026-01-01T00:00:00Z","url":"https://example.test/s1"}
]}`

func TestSeasonsFetch(t *testing.T) {
	t.Parallel()

	var gotAuth, gotGame string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotGame = r.URL.Query().Get("game")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(poeSeasons))
	}), &fakeTokens{})

	list, ttl, err := c.Seasons(context.Background(), "poe")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-0", gotAuth)
	assert.Equal(t, "poe", gotGame)
	assert.Zero(t, ttl)

	require.Len(t, list.Seasons, 3)
	assert.Equal(t, "s1", list.Seasons[0].Key)
	assert.Equal(t, "s2", list.Seasons[1].Key)
	assert.Equal(t, "NoStart", list.Seasons[2].Key)
	assert.Equal(t, "https://example.test/s1", list.Seasons[0].URL)
	assert.Equal(t, "poe", list.Seasons[0].Game)
}

func TestRejectedTokenRetriesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tokens := &fakeTokens{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}), tokens)

	list, _, err := c.Seasons(context.Background(), "poe")
	require.NoError(t, err)
	assert.Empty(t, list.Seasons)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"tok-0"}, tokens.invalidated)
}

func TestRejectedTwiceIsAuthError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tokens := &fakeTokens{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}), tokens)

	_, _, err := c.Seasons(context.Background(), "poe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Auth))
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, tokens.invalidated, 2)
}

func TestTransientStatusIsRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"seasons":[]}`))
	}), &fakeTokens{})

	_, _, err := c.Seasons(context.Background(), "poe")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), &fakeTokens{})

	_, _, err := c.Seasons(context.Background(), "poe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.TransientNetwork))
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, int32(3), calls.Load(), "first try plus retry_max")
}

func TestClientErrorIsNotRetriedInCycle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}), &fakeTokens{})

	_, _, err := c.Seasons(context.Background(), "poe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.TransientNetwork))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMalformedPayloadIsUpstreamData(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"not json":      `<html>`,
		"wrong shape":   `{"items":[]}`,
		"bad timestamp": `[{"id":"x","name":"X","start":"yesterday"}]`,
		"no identity":   `[{"start":"2026-01-01T00:00:00Z"}]`,
		"end < start":   `[{"id":"x","name":"X","start":"2026-02-01","end":"2026-01-01"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}), &fakeTokens{})

			_, _, err := c.Seasons(context.Background(), "poe")
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.UpstreamData))
			assert.False(t, apperr.Retryable(err))
		})
	}
}

func TestTokenFailureIsAuthError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), &fakeTokens{err: apperr.Errorf(apperr.KindAuth, "test", "exchange down")})

	_, _, err := c.Seasons(context.Background(), "poe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Auth))
	assert.Zero(t, calls.Load())
}

func TestMaxAgeHonored(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=120")
		_, _ = w.Write([]byte(`{"games":[{"slug":"poe","name":"Path of Exile"},{"slug":"d4"}]}`))
	})

	c := newTestClient(t, h, &fakeTokens{}, func(cfg *Config) { cfg.HonorMaxAge = true })
	games, ttl, err := c.Games(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttl)
	assert.Equal(t, []string{"d4", "poe"}, games.Slugs())
	assert.Equal(t, "D4", games.Games[0].Name)

	c = newTestClient(t, h, &fakeTokens{})
	_, ttl, err = c.Games(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}), &fakeTokens{})

	_, _, err := c.Seasons(ctx, "poe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler(), &fakeTokens{}, func(cfg *Config) {
		cfg.RetryBase = 100 * time.Millisecond
		cfg.RetryMaxDelay = time.Second
	})
	for retry, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		d := c.backoff(retry, 0)
		assert.InDelta(t, float64(want), float64(d), float64(want)*0.2+1, "retry %d", retry)
	}
	assert.LessOrEqual(t, c.backoff(10, 0), time.Second)
	assert.Equal(t, 5*time.Second, c.backoff(1, 5*time.Second))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	assert.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}

func TestParseMaxAge(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, parseMaxAge("max-age=30"))
	assert.Zero(t, parseMaxAge("no-store, max-age=30"))
	assert.Zero(t, parseMaxAge(""))
}
