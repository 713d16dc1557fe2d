package config

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Environment variables that overlay the file config. Secrets normally live
// here rather than in the file.
const (
	EnvAPIBase          = "ARPG_API_BASE"
	EnvTokenURL         = "ARPG_TOKEN_URL"
	EnvClientID         = "ARPG_CLIENT_ID"
	EnvClientSecret     = "ARPG_CLIENT_SECRET"
	EnvDiscordToken     = "DISCORD_BOT_TOKEN"
	EnvTelegramToken    = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
	EnvRedisPassword    = "ARPG_REDIS_PASSWORD"
	EnvObservabilityTok = "ARPG_DEBUG_TOKEN"
)

var dotenvOnce sync.Once

// LoadDotenv reads .env files into the process environment once. Existing
// variables win; missing files are ignored.
func LoadDotenv(files ...string) {
	dotenvOnce.Do(func() {
		if len(files) == 0 {
			_ = godotenv.Load()
			return
		}
		for _, f := range files {
			_ = godotenv.Load(f)
		}
	})
}

// ApplyEnv overlays non-empty environment variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Upstream.BaseURL, EnvAPIBase)
	set(&cfg.Auth.TokenURL, EnvTokenURL)
	set(&cfg.Auth.ClientID, EnvClientID)
	set(&cfg.Auth.ClientSecret, EnvClientSecret)
	set(&cfg.Discord.Token, EnvDiscordToken)
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Cache.Redis.Password, EnvRedisPassword)
	set(&cfg.Observability.Token, EnvObservabilityTok)
	if v := strings.TrimSpace(getenv(EnvTelegramChatID)); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}
