package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "https://api.example.test"},
		Auth:     config.AuthConfig{TokenURL: "https://api.example.test/token"},
	}
}

func TestMapSyncConfigDefaults(t *testing.T) {
	t.Parallel()

	plan, err := mapSyncConfig(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, plan.Interval)
	assert.Equal(t, "@every 5m0s", plan.Schedule)
	assert.Equal(t, 5*time.Minute, plan.Timeout)
	assert.Equal(t, 5*time.Minute, plan.SeasonsTTL, "season ttl follows the poll interval")
	assert.Equal(t, 30*time.Minute, plan.GamesTTL)
	assert.True(t, plan.RunOnStart)
}

func TestMapSyncConfigOverrides(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	off := false
	cfg.Sync = config.SyncConfig{Interval: "2m", Schedule: "*/10 * * * *", Timeout: "90s", RunOnStart: &off}
	cfg.Cache.SeasonsTTL = "10m"
	plan, err := mapSyncConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * *", plan.Schedule)
	assert.Equal(t, 90*time.Second, plan.Timeout)
	assert.Equal(t, 10*time.Minute, plan.SeasonsTTL)
	assert.False(t, plan.RunOnStart)

	cfg.Sync.Schedule = "every tuesday"
	_, err = mapSyncConfig(cfg)
	require.Error(t, err)

	cfg.Sync = config.SyncConfig{Interval: "10ms"}
	_, err = mapSyncConfig(cfg)
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultStoragePath, sc.Path)

	cfg.Storage = &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "none"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestMapRedisConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	_, on, err := mapRedisConfig(cfg)
	require.NoError(t, err)
	assert.False(t, on)

	cfg.Cache.Backend = "redis"
	_, _, err = mapRedisConfig(cfg)
	require.Error(t, err, "addr is required")

	cfg.Cache.Redis.Addr = "127.0.0.1:6379"
	rc, on, err := mapRedisConfig(cfg)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, defaultRedisPrefix, rc.KeyPrefix)

	cfg.Cache.Backend = "memcached"
	_, _, err = mapRedisConfig(cfg)
	require.Error(t, err)
}

func TestMapUpstreamAndAuthDefaults(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	uc, err := mapUpstreamConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, uc.RetryMax)
	assert.True(t, uc.HonorMaxAge)

	_, cc, err := mapAuthConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cc.SafetyMargin)
	assert.Equal(t, 30*time.Second, cc.FailureBackoff)

	cfg.Auth.SafetyMargin = "soon"
	_, _, err = mapAuthConfig(cfg)
	require.Error(t, err)
}

func TestValidateConfigRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]func(c *config.Config){
		"missing base url":   func(c *config.Config) { c.Upstream.BaseURL = "" },
		"missing token url":  func(c *config.Config) { c.Auth.TokenURL = "" },
		"negative workers":   func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Workers: -1} },
		"bad timezone":       func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"bad event duration": func(c *config.Config) { c.Discord.EventDuration = "long" },
		"bad retry":          func(c *config.Config) { c.Upstream.RetryMax = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			mutate(cfg)
			require.Error(t, validateConfig(context.Background(), cfg))
		})
	}
	require.NoError(t, validateConfig(context.Background(), baseConfig()))
}

// fakeUpstream serves the token exchange and one game's seasons.
func fakeUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var seasonCalls atomic.Int32
	now := time.Now().UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/seasons", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		seasonCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"seasons": []map[string]any{
			{"id": "s1", "name": "Settlers", "start": now.Add(-24 * time.Hour).Format(time.RFC3339), "end": now.Add(30 * 24 * time.Hour).Format(time.RFC3339)},
			{"id": "s2", "name": "Mercenaries", "start": now.Add(7 * 24 * time.Hour).Format(time.RFC3339)},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seasonCalls
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSyncOnceDryRunAnnouncesEachSeasonOnce(t *testing.T) {
	srv, calls := fakeUpstream(t)
	path := writeConfig(t, fmt.Sprintf(`{
		"logging": {"level": "error"},
		"discord": {"dry_run": true, "channels": {"g1": "c1"}},
		"upstream": {"base_url": %q, "rate_per_sec": 50},
		"auth": {"token_url": %q, "client_id": "id", "client_secret": "secret"},
		"sync": {"games": ["poe"], "interval": "1m"},
		"scheduler": {"enabled": false},
		"storage": {"driver": "memory"}
	}`, srv.URL, srv.URL+"/token"))

	a, err := NewApp(path, Options{})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rep, err := a.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Communities)
	assert.Equal(t, 2, rep.Announced)

	rep, err = a.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Announced, "second cycle must not announce again")
	assert.Equal(t, int32(1), calls.Load(), "second cycle reads seasons from the cache")

	st, err := a.Backend().Status(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Announced)
	assert.True(t, st.MasterEnabled)

	require.NoError(t, a.Backend().SetMasterEnabled(ctx, "g1", false))
	st, err = a.Backend().Status(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, st.MasterEnabled)
}

func TestStartRequiresDiscordUnlessDryRun(t *testing.T) {
	srv, _ := fakeUpstream(t)
	path := writeConfig(t, fmt.Sprintf(`{
		"logging": {"level": "error"},
		"upstream": {"base_url": %q},
		"auth": {"token_url": %q},
		"storage": {"driver": "memory"}
	}`, srv.URL, srv.URL+"/token"))
	t.Setenv(config.EnvDiscordToken, "")

	a, err := NewApp(path, Options{})
	require.NoError(t, err, "cli commands work without discord")
	defer func() { _ = a.Close() }()

	require.Error(t, a.Start(context.Background()))
	_, err = a.SyncOnce(context.Background())
	require.Error(t, err)
}

func TestStaticDirectory(t *testing.T) {
	t.Parallel()

	d := staticDirectory{"b", "a"}
	got, err := d.Communities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Communities(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStopAfterFailedStartReleasesResources(t *testing.T) {
	srv, _ := fakeUpstream(t)
	path := writeConfig(t, fmt.Sprintf(`{
		"logging": {"level": "error"},
		"upstream": {"base_url": %q},
		"auth": {"token_url": %q},
		"storage": {"driver": "memory"}
	}`, srv.URL, srv.URL+"/token"))
	t.Setenv(config.EnvDiscordToken, "")

	a, err := NewApp(path, Options{})
	require.NoError(t, err)
	require.Error(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, "start failed"))

	_, err = a.Backend().Status(ctx, "g1")
	require.Error(t, err, "store is closed after stop")
}

func TestStartStopDryRun(t *testing.T) {
	srv, calls := fakeUpstream(t)
	path := writeConfig(t, fmt.Sprintf(`{
		"logging": {"level": "error"},
		"discord": {"dry_run": true, "channels": {"g1": "c1"}},
		"upstream": {"base_url": %q, "rate_per_sec": 50},
		"auth": {"token_url": %q, "client_id": "id", "client_secret": "secret"},
		"sync": {"games": ["poe"], "interval": "1m"},
		"scheduler": {"enabled": false},
		"storage": {"driver": "memory"}
	}`, srv.URL, srv.URL+"/token"))

	a, err := NewApp(path, Options{})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond,
		"run_on_start triggers a cycle")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, "test"))
	assert.NoError(t, a.Err())
}
