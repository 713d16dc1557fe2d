package config

import (
	"reflect"
	"strings"

	logx "arpgbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and log
// fields describing them. Secrets are reported only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		)
	}

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || od.DryRun != nd.DryRun ||
		!reflect.DeepEqual(od.OwnerUserIDs, nd.OwnerUserIDs) ||
		!reflect.DeepEqual(od.Channels, nd.Channels) ||
		BoolOr(od.CreateEvents, true) != BoolOr(nd.CreateEvents, true) ||
		od.EventLocation != nd.EventLocation || od.EventDuration != nd.EventDuration {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_set", set(nd.Token)),
			logx.Int("discord.owner_count", len(nd.OwnerUserIDs)),
			logx.Int("discord.channel_overrides", len(nd.Channels)),
			logx.Bool("discord.dry_run", nd.DryRun),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
		)
	}

	if oldCfg.Upstream != newCfg.Upstream {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.base_url", newCfg.Upstream.BaseURL),
			logx.Int("upstream.rate_per_sec", newCfg.Upstream.RatePerSec),
			logx.Int("upstream.retry_max", newCfg.Upstream.RetryMax),
		)
	}

	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.String("auth.token_url", newCfg.Auth.TokenURL),
			logx.Bool("auth.client_id_set", set(newCfg.Auth.ClientID)),
			logx.Bool("auth.client_secret_set", set(newCfg.Auth.ClientSecret)),
			logx.String("auth.safety_margin", newCfg.Auth.SafetyMargin),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.backend", newCfg.Cache.Backend),
			logx.String("cache.seasons_ttl", newCfg.Cache.SeasonsTTL),
			logx.String("cache.games_ttl", newCfg.Cache.GamesTTL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.Strs("sync.games", newCfg.Sync.Games),
			logx.String("sync.interval", newCfg.Sync.Interval),
			logx.String("sync.schedule", newCfg.Sync.Schedule),
			logx.Int("sync.concurrency", newCfg.Sync.Concurrency),
		)
	}

	if BoolOr(oldCfg.Subscriptions.DefaultGameEnabled, true) != BoolOr(newCfg.Subscriptions.DefaultGameEnabled, true) {
		changed = append(changed, "subscriptions")
		attrs = append(attrs, logx.Bool("subscriptions.default_game_enabled", BoolOr(newCfg.Subscriptions.DefaultGameEnabled, true)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.retry_max", te.RetryMax),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if st := newCfg.Storage; st != nil {
			attrs = append(attrs, logx.String("storage.driver", st.Driver))
		}
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.Pprof != no.Pprof ||
		oo.AllowInsecure != no.AllowInsecure || set(oo.Token) != set(no.Token) ||
		BoolOr(oo.Metrics, true) != BoolOr(no.Metrics, true) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", no.Addr),
			logx.Bool("observability.token_set", set(no.Token)),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "discord", "telegram", "auth", "upstream", "cache", "subscriptions":
			out = append(out, s)
		}
	}
	return out
}
