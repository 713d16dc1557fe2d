package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	yml := []byte(`
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
discord:
  channels:
    "123": "456"
upstream:
  base_url: https://api.example.test
auth:
  token_url: https://api.example.test/auth/token
sync:
  games: [poe, d4]
  interval: 5m
scheduler:
  enabled: true
`)
	cfg, err := Decode("config.yaml", yml)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"poe", "d4"}, cfg.Sync.Games)
	assert.Equal(t, "456", cfg.Discord.Channels["123"])

	js := []byte(`{"upstream":{"base_url":"https://x"},"sync":{"interval":"1m"}}`)
	cfg, err = Decode("config.json", js)
	require.NoError(t, err)
	assert.Equal(t, "https://x", cfg.Upstream.BaseURL)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"nope": 1}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestApplyEnvOverlaysSecrets(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvClientID:       "id",
		EnvClientSecret:   "secret",
		EnvDiscordToken:   "  disc  ",
		EnvTelegramChatID: "-100123",
	}
	cfg := &Config{Auth: AuthConfig{ClientID: "file-id"}}
	ApplyEnv(cfg, func(k string) string { return env[k] })

	assert.Equal(t, "id", cfg.Auth.ClientID)
	assert.Equal(t, "secret", cfg.Auth.ClientSecret)
	assert.Equal(t, "disc", cfg.Discord.Token)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, time.Minute, false},
		{"0s", time.Minute, time.Minute, false},
		{"90s", time.Minute, 90 * time.Second, false},
		{"-1s", time.Minute, 0, true},
		{"soon", time.Minute, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseDurationOrDefault("x", tc.raw, tc.def)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Auth: AuthConfig{ClientSecret: "a"}}
	newCfg := &Config{Auth: AuthConfig{ClientSecret: "b"}, Sync: SyncConfig{Interval: "1m"}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{"auth", "sync"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"auth"}, RestartRequired(sections))
}

func TestManagerLoadCommitsConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sync":{"games":["poe"]}}`), 0o600))

	m := NewConfigManager(path)
	m.SetEnv(func(string) string { return "" })
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, []string{"poe"}, m.Get().Sync.Games)
}
