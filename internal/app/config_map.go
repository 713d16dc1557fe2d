package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arpgbot/internal/config"
	"arpgbot/internal/credential"
	"arpgbot/internal/observability/server"
	"arpgbot/internal/storage"
	"arpgbot/internal/task/engine"
	"arpgbot/internal/task/scheduler"
	"arpgbot/internal/transport/discord"
	"arpgbot/internal/transport/telegram"
	"arpgbot/internal/upstream"
	logx "arpgbot/pkg/logx"
)

const (
	defaultPollInterval = 5 * time.Minute
	defaultGamesTTL     = 30 * time.Minute
	defaultStoragePath  = "./arpgbot.db"
	defaultRedisPrefix  = "arpgbot:"
)

func mapLogConfig(cfg *config.Config, operator bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    operator && cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

// mapStorageConfig defaults to sqlite at ./arpgbot.db. The service cannot
// run without a ledger, so "none" is rejected.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapRedisConfig reports whether token and response rows go to redis.
func mapRedisConfig(cfg *config.Config) (storage.RedisConfig, bool, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Backend)) {
	case "", "store":
		return storage.RedisConfig{}, false, nil
	case "redis":
	default:
		return storage.RedisConfig{}, false, fmt.Errorf("unknown cache.backend: %s", cfg.Cache.Backend)
	}
	rc := cfg.Cache.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return storage.RedisConfig{}, false, fmt.Errorf("cache.redis.addr is required when cache.backend=redis")
	}
	if rc.DB < 0 {
		return storage.RedisConfig{}, false, fmt.Errorf("cache.redis.db must be >= 0")
	}
	prefix := rc.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return storage.RedisConfig{Addr: strings.TrimSpace(rc.Addr), Password: rc.Password, DB: rc.DB, KeyPrefix: prefix}, true, nil
}

func mapUpstreamConfig(cfg *config.Config) (upstream.Config, error) {
	uc := cfg.Upstream
	if strings.TrimSpace(uc.BaseURL) == "" {
		return upstream.Config{}, fmt.Errorf("upstream.base_url is required (or %s)", config.EnvAPIBase)
	}
	if uc.RatePerSec < 0 {
		return upstream.Config{}, fmt.Errorf("upstream.rate_per_sec must be >= 0")
	}
	if uc.RetryMax < 0 {
		return upstream.Config{}, fmt.Errorf("upstream.retry_max must be >= 0")
	}
	if uc.MaxPayloadSize < 0 {
		return upstream.Config{}, fmt.Errorf("upstream.max_payload_size must be >= 0")
	}
	timeout, err := config.ParseDurationField("upstream.timeout", uc.Timeout)
	if err != nil {
		return upstream.Config{}, err
	}
	base, err := config.ParseDurationField("upstream.retry_base", uc.RetryBase)
	if err != nil {
		return upstream.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("upstream.retry_max_delay", uc.RetryMaxDelay)
	if err != nil {
		return upstream.Config{}, err
	}
	retryMax := uc.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return upstream.Config{
		BaseURL:        strings.TrimSpace(uc.BaseURL),
		Timeout:        timeout,
		RatePerSec:     uc.RatePerSec,
		RetryMax:       retryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		UserAgent:      uc.UserAgent,
		SeasonsPath:    uc.SeasonsPath,
		GamesPath:      uc.GamesPath,
		MaxPayloadSize: uc.MaxPayloadSize,
		HonorMaxAge:    config.BoolOr(cfg.Cache.HonorMaxAge, true),
	}, nil
}

// mapAuthConfig returns the exchange settings and the token cache settings.
// The cache key is filled in from the exchanger.
func mapAuthConfig(cfg *config.Config) (upstream.AuthConfig, credential.Config, error) {
	ac := cfg.Auth
	if strings.TrimSpace(ac.TokenURL) == "" {
		return upstream.AuthConfig{}, credential.Config{}, fmt.Errorf("auth.token_url is required (or %s)", config.EnvTokenURL)
	}
	margin, err := config.ParseDurationOrDefault("auth.safety_margin", ac.SafetyMargin, credential.DefaultSafetyMargin)
	if err != nil {
		return upstream.AuthConfig{}, credential.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("auth.failure_backoff", ac.FailureBackoff, credential.DefaultFailureBackoff)
	if err != nil {
		return upstream.AuthConfig{}, credential.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("auth.default_ttl", ac.DefaultTTL, time.Hour)
	if err != nil {
		return upstream.AuthConfig{}, credential.Config{}, err
	}
	return upstream.AuthConfig{
			TokenURL:     strings.TrimSpace(ac.TokenURL),
			ClientID:     ac.ClientID,
			ClientSecret: ac.ClientSecret,
			DefaultTTL:   ttl,
			UserAgent:    cfg.Upstream.UserAgent,
		}, credential.Config{
			SafetyMargin:   margin,
			FailureBackoff: backoff,
		}, nil
}

func mapDiscordConfig(cfg *config.Config) (discord.Config, error) {
	dc := cfg.Discord
	dur, err := config.ParseDurationOrDefault("discord.event_duration", dc.EventDuration, discord.DefaultEventDuration)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{
		Token:         dc.Token,
		OwnerUserIDs:  dc.OwnerUserIDs,
		Channels:      dc.Channels,
		CreateEvents:  config.BoolOr(dc.CreateEvents, true),
		EventLocation: dc.EventLocation,
		EventDuration: dur,
	}, nil
}

// mapTelegramConfig reports whether the operator chat is configured.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" || tc.ChatID == 0 {
		return telegram.Config{}, false
	}
	return telegram.Config{Token: strings.TrimSpace(tc.Token), ChatID: tc.ChatID, ThreadID: tc.ThreadID}, true
}

// syncPlan is the resolved sync section.
type syncPlan struct {
	Games       []string
	Schedule    string
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	SeasonsTTL  time.Duration
	GamesTTL    time.Duration
	RunOnStart  bool
}

func mapSyncConfig(cfg *config.Config) (syncPlan, error) {
	sc := cfg.Sync
	interval, err := config.ParseDurationOrDefault("sync.interval", sc.Interval, defaultPollInterval)
	if err != nil {
		return syncPlan{}, err
	}
	if interval < time.Second {
		return syncPlan{}, fmt.Errorf("sync.interval must be >= 1s")
	}
	schedule := strings.TrimSpace(sc.Schedule)
	if schedule == "" {
		schedule = "@every " + interval.String()
	}
	if _, err := scheduler.ParseSchedule(schedule); err != nil {
		return syncPlan{}, fmt.Errorf("sync.schedule: %w", err)
	}
	timeout, err := config.ParseDurationOrDefault("sync.timeout", sc.Timeout, interval)
	if err != nil {
		return syncPlan{}, err
	}
	if sc.Concurrency < 0 {
		return syncPlan{}, fmt.Errorf("sync.concurrency must be >= 0")
	}
	seasonsTTL, err := config.ParseDurationOrDefault("cache.seasons_ttl", cfg.Cache.SeasonsTTL, interval)
	if err != nil {
		return syncPlan{}, err
	}
	gamesTTL, err := config.ParseDurationOrDefault("cache.games_ttl", cfg.Cache.GamesTTL, defaultGamesTTL)
	if err != nil {
		return syncPlan{}, err
	}
	return syncPlan{
		Games:       sc.Games,
		Schedule:    schedule,
		Interval:    interval,
		Timeout:     timeout,
		Concurrency: sc.Concurrency,
		SeasonsTTL:  seasonsTTL,
		GamesTTL:    gamesTTL,
		RunOnStart:  config.BoolOr(sc.RunOnStart, true),
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	switch {
	case te.Workers < 0:
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	case te.QueueSize < 0:
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	case te.HistorySize < 0:
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	case te.RetryMax < 0:
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax
	out.DefaultTimeout = timeout
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapServerConfig(cfg *config.Config) server.Config {
	oc := cfg.Observability
	return server.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		Metrics:       config.BoolOr(oc.Metrics, true),
	}
}

// validateConfig runs every mapper so a reload is rejected before commit.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRedisConfig(cfg); err != nil {
		return err
	}
	if _, err := mapUpstreamConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAuthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiscordConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSyncConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	return nil
}
