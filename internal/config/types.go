package config

// Config is the on-disk configuration (JSON or YAML). Secrets may be left
// empty here and supplied through the environment (see ApplyEnv).
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Discord       DiscordConfig       `json:"discord"`
	Telegram      TelegramConfig      `json:"telegram,omitempty"`
	Upstream      UpstreamConfig      `json:"upstream"`
	Auth          AuthConfig          `json:"auth"`
	Cache         CacheConfig         `json:"cache,omitempty"`
	Sync          SyncConfig          `json:"sync"`
	Subscriptions SubscriptionsConfig `json:"subscriptions,omitempty"`
	Scheduler     SchedulerConfig     `json:"scheduler"`

	// TaskEngine controls execution of the sync task. Omitted means defaults.
	TaskEngine    *TaskEngineConfig   `json:"task_engine,omitempty"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator forwards warn+ log lines to the telegram operator chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type DiscordConfig struct {
	Token string `json:"token,omitempty"` // usually DISCORD_BOT_TOKEN
	// OwnerUserIDs may run configuration commands in addition to guild owners.
	OwnerUserIDs []string `json:"owner_user_ids,omitempty"`
	// Channels overrides the announcement channel per guild id.
	Channels map[string]string `json:"channels,omitempty"`
	// CreateEvents toggles guild scheduled events next to announcements.
	CreateEvents  *bool  `json:"create_events,omitempty"`
	EventLocation string `json:"event_location,omitempty"`
	// EventDuration is a Go duration string (default "2h").
	EventDuration string `json:"event_duration,omitempty"`
	// DryRun logs announcements instead of sending them.
	DryRun bool `json:"dry_run,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // usually TELEGRAM_BOT_TOKEN
	ChatID int64  `json:"chat_id,omitempty"`
	// ThreadID targets a forum topic inside ChatID.
	ThreadID int `json:"thread_id,omitempty"`
}

// UpstreamConfig describes the season-tracking API.
//
// Durations are Go duration strings (e.g. "500ms", "10s").
type UpstreamConfig struct {
	BaseURL        string `json:"base_url"`
	Timeout        string `json:"timeout,omitempty"`          // default "15s"
	RatePerSec     int    `json:"rate_per_sec,omitempty"`     // default 2
	RetryMax       int    `json:"retry_max,omitempty"`        // default 3
	RetryBase      string `json:"retry_base,omitempty"`       // default "500ms"
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // default "10s"
	UserAgent      string `json:"user_agent,omitempty"`       // default "arpgbot"
	SeasonsPath    string `json:"seasons_path,omitempty"`     // default "/seasons"
	GamesPath      string `json:"games_path,omitempty"`       // default "/games"
	MaxPayloadSize int64  `json:"max_payload_size,omitempty"` // bytes, default 1 MiB
}

type AuthConfig struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id,omitempty"`     // usually ARPG_CLIENT_ID
	ClientSecret string `json:"client_secret,omitempty"` // usually ARPG_CLIENT_SECRET
	// SafetyMargin: tokens expiring within this window are refreshed (default "60s").
	SafetyMargin string `json:"safety_margin,omitempty"`
	// FailureBackoff: after a failed exchange, callers get the error without a
	// new exchange for this long (default "30s").
	FailureBackoff string `json:"failure_backoff,omitempty"`
	// DefaultTTL applies when the exchange response carries no expiry (default "1h").
	DefaultTTL string `json:"default_ttl,omitempty"`
}

type CacheConfig struct {
	// SeasonsTTL defaults to the poll interval.
	SeasonsTTL string `json:"seasons_ttl,omitempty"`
	GamesTTL   string `json:"games_ttl,omitempty"` // default "30m"
	// HonorMaxAge uses Cache-Control max-age from the upstream when present.
	HonorMaxAge *bool `json:"honor_max_age,omitempty"`
	// Backend for token and response rows: "store" (default) or "redis".
	Backend string      `json:"backend,omitempty"`
	Redis   RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"` // default "arpgbot:"
}

type SyncConfig struct {
	// Games lists the game slugs to track. Empty means "every game the
	// upstream lists".
	Games []string `json:"games,omitempty"`
	// Interval is the poll period (default "5m"). Ignored when Schedule is set.
	Interval string `json:"interval,omitempty"`
	// Schedule is an optional cron expression (5 fields or a descriptor).
	Schedule string `json:"schedule,omitempty"`
	// Concurrency bounds how many games are processed at once (default 4).
	Concurrency int `json:"concurrency,omitempty"`
	// Timeout caps one cycle (default: interval).
	Timeout string `json:"timeout,omitempty"`
	// RunOnStart triggers a cycle right after startup (default true).
	RunOnStart *bool `json:"run_on_start,omitempty"`
}

type SubscriptionsConfig struct {
	// DefaultGameEnabled resolves games with no explicit row (default true).
	DefaultGameEnabled *bool `json:"default_game_enabled,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
//   - retry_max: 1
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./arpgbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ObservabilityConfig controls the debug HTTP server (health, metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true
}

// BoolOr dereferences p, returning def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
