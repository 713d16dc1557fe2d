// Package app wires the season-sync service together: config, storage,
// upstream client, sync engine, transports and the task runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arpgbot/internal/apperr"
	"arpgbot/internal/config"
	"arpgbot/internal/credential"
	"arpgbot/internal/eventbus"
	"arpgbot/internal/ledger"
	"arpgbot/internal/observability/server"
	"arpgbot/internal/respcache"
	rtsup "arpgbot/internal/runtime/supervisor"
	"arpgbot/internal/seasonsync"
	"arpgbot/internal/storage"
	"arpgbot/internal/subscription"
	"arpgbot/internal/task/engine"
	"arpgbot/internal/task/scheduler"
	"arpgbot/internal/transport/discord"
	"arpgbot/internal/transport/telegram"
	"arpgbot/internal/upstream"
	logx "arpgbot/pkg/logx"
)

// Schedule names registered with the scheduler.
const (
	SyncSchedule  = "seasons.sync"
	PruneSchedule = "cache.prune"

	pruneEvery   = "@every 1h"
	readyTimeout = 30 * time.Second
)

// Options select which transports NewApp brings up.
type Options struct {
	// Operator enables the telegram operator chat when it is configured.
	// One-shot CLI commands leave it off.
	Operator bool
	// DryRun logs announcements instead of delivering them, as
	// discord.dry_run does.
	DryRun bool
}

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tokens *credential.Cache
	cache  *respcache.Cache
	subs   *subscription.Store
	syncer *seasonsync.Engine
	back   *backend

	bot      *discord.Bot
	dryRun   bool
	operator *telegram.Operator

	engine *engine.Service
	sched  *scheduler.Service
	debug  *server.Service

	planMu    sync.Mutex
	plan      syncPlan
	startedAt time.Time
	last      atomic.Pointer[cycleResult]
}

// cycleResult is the outcome of the latest sync cycle.
type cycleResult struct {
	Report seasonsync.CycleReport `json:"report"`
	Result string                 `json:"result"`
	Err    string                 `json:"err,omitempty"`
}

func NewApp(cfgPath string, opts Options) (a *App, err error) {
	config.LoadDotenv()
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, false), nil)
	log = log.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	var op *telegram.Operator
	if tc, ok := mapTelegramConfig(cfg); ok && opts.Operator {
		o, oerr := telegram.New(tc, log)
		if oerr != nil {
			// the operator chat is optional
			log.Warn("telegram operator unavailable", logx.Err(oerr))
		} else {
			op = o
			logSvc.SetSink(op)
			logSvc.Apply(mapLogConfig(cfg, true))
		}
	}

	// mappers already ran in validateConfig
	sc, _ := mapStorageConfig(cfg)
	base, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	var store storage.Store = base
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	if rc, ok, _ := mapRedisConfig(cfg); ok {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, rerr := storage.OpenRedis(rctx, rc)
		cancel()
		if rerr != nil {
			return nil, fmt.Errorf("cache redis: %w", rerr)
		}
		store = storage.WithCache(base, rs)
		log.Info("token and response cache on redis", logx.String("addr", rc.Addr))
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	authCfg, credCfg, _ := mapAuthConfig(cfg)
	ex, err := upstream.NewExchanger(authCfg, nil)
	if err != nil {
		return nil, err
	}
	credCfg.Key = ex.Key()
	tokens := credential.New(credCfg, ex, store, log.With(logx.String("comp", "credential")))

	uc, _ := mapUpstreamConfig(cfg)
	client, err := upstream.New(uc, nil, tokens, log)
	if err != nil {
		return nil, err
	}

	plan, _ := mapSyncConfig(cfg)
	cache := respcache.New(store, plan.SeasonsTTL, log.With(logx.String("comp", "respcache")))
	subs := subscription.New(subscription.Config{
		DefaultGameEnabled: config.BoolOr(cfg.Subscriptions.DefaultGameEnabled, true),
	}, store)
	bus := eventbus.New()

	dcfg, _ := mapDiscordConfig(cfg)
	var (
		bot *discord.Bot
		dir seasonsync.Directory
		ann seasonsync.Announcer
	)
	dryRun := cfg.Discord.DryRun || opts.DryRun
	if strings.TrimSpace(dcfg.Token) != "" && !dryRun {
		bot, err = discord.New(dcfg, log)
		if err != nil {
			return nil, err
		}
		dir, ann = bot, bot.Announcer()
	} else {
		dir = staticDirectory(mapKeys(dcfg.Channels))
		ann = seasonsync.LogAnnouncer{Log: log.With(logx.String("comp", "announcer"))}
	}

	syncer, err := seasonsync.New(seasonsync.Config{
		Games:       plan.Games,
		Concurrency: plan.Concurrency,
		GamesTTL:    plan.GamesTTL,
	}, seasonsync.Deps{
		Directory:     dir,
		Subscriptions: subs,
		Ledger:        ledger.New(store),
		Cache:         cache,
		Source:        client,
		Announcer:     ann,
		Bus:           bus,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}
	back := &backend{subs: subs, sync: syncer}
	if bot != nil {
		bot.SetCommands(discord.NewCommands(dcfg, back, log))
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	taskEng := engine.New(engCfg, log, bus)
	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, taskEng, log)

	a = &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tokens:   tokens,
		cache:    cache,
		subs:     subs,
		syncer:   syncer,
		back:     back,
		bot:      bot,
		dryRun:   dryRun,
		operator: op,
		engine:   taskEng,
		sched:    sched,
		plan:     plan,
	}
	a.debug = server.New(mapServerConfig(cfg), a.health, log)
	if err := a.registerSchedules(plan); err != nil {
		return nil, err
	}
	if op != nil {
		op.SetHooks(telegram.Hooks{Status: a.operatorStatus, Sync: a.operatorSync})
	}
	return a, nil
}

func (a *App) registerSchedules(plan syncPlan) error {
	if err := a.sched.AddSchedule(SyncSchedule, plan.Schedule, plan.Timeout, engine.TaskOptions{}, a.syncJob); err != nil {
		return fmt.Errorf("sync schedule: %w", err)
	}
	return a.sched.AddSchedule(PruneSchedule, pruneEvery, time.Minute, engine.TaskOptions{}, a.pruneJob)
}

// syncJob runs one cycle as an engine task. A storage failure is not
// retried by the engine; the next tick tries again.
func (a *App) syncJob(ctx context.Context) error {
	rep, err := a.syncer.RunCycle(ctx)
	res := &cycleResult{Report: rep, Result: rep.Result(err)}
	if err != nil {
		res.Err = err.Error()
	}
	a.last.Store(res)
	if err != nil && apperr.KindOf(err) == apperr.KindStorage {
		return engine.NoRetry(err)
	}
	return err
}

func (a *App) pruneJob(ctx context.Context) error {
	n, err := a.cache.Prune(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Debug("expired cache rows pruned", logx.Int("rows", n))
	}
	return nil
}

// Backend serves subscription edits and queries (CLI and slash commands).
func (a *App) Backend() discord.Backend { return a.back }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.bot == nil && !a.dryRun {
		return fmt.Errorf("discord.token is required (or %s); set discord.dry_run to run without discord", config.EnvDiscordToken)
	}
	a.startedAt = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.engine.Start(run)
	if a.bot != nil {
		if err := a.bot.Start(run); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	if a.operator != nil {
		if err := a.operator.Start(run); err != nil {
			a.log.Warn("telegram operator start failed", logx.Err(err))
		}
	}
	a.sched.Start(run)
	a.debug.Start(run)

	// debug visibility; components subscribe themselves for anything else
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	plan := a.currentPlan()
	if plan.RunOnStart {
		a.sup.Go0("sync.initial", func(c context.Context) {
			if !a.waitReady(c) {
				return
			}
			if err := a.sched.Trigger(SyncSchedule); err != nil {
				a.log.Warn("initial sync not queued", logx.Err(err))
			}
		})
	}

	a.log.Info("app started",
		logx.String("schedule", plan.Schedule),
		logx.Bool("dry_run", a.bot == nil),
		logx.Bool("operator", a.operator != nil),
	)
	return nil
}

// waitReady blocks until the discord guild list is known. Without discord
// it returns at once.
func (a *App) waitReady(ctx context.Context) bool {
	if a.bot == nil {
		return ctx.Err() == nil
	}
	t := time.NewTimer(readyTimeout)
	defer t.Stop()
	select {
	case <-a.bot.Ready():
		return true
	case <-t.C:
		a.log.Warn("discord not ready in time; syncing anyway", logx.Duration("waited", readyTimeout))
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next, a.operator != nil))

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if schedCfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		switch {
		case wasEnabled && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && schedCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if slices.Contains(sections, "sync") {
		a.applySyncPlan(next)
	}

	a.debug.Reconfigure(ctx, mapServerConfig(next))
	a.log.Info("config reloaded", fields...)
}

// applySyncPlan re-registers the poll schedule. Game selection, concurrency
// and cache lifetimes are fixed at startup.
func (a *App) applySyncPlan(next *config.Config) {
	plan, err := mapSyncConfig(next)
	if err != nil {
		a.log.Warn("invalid sync config; keeping previous", logx.Err(err))
		return
	}
	prev := a.currentPlan()
	if plan.Schedule != prev.Schedule || plan.Timeout != prev.Timeout {
		if err := a.sched.AddSchedule(SyncSchedule, plan.Schedule, plan.Timeout, engine.TaskOptions{}, a.syncJob); err != nil {
			a.log.Warn("sync schedule update failed", logx.Err(err))
			return
		}
		a.log.Info("sync schedule updated", logx.String("schedule", plan.Schedule), logx.Duration("timeout", plan.Timeout))
	}
	if !slices.Equal(plan.Games, prev.Games) || plan.Concurrency != prev.Concurrency ||
		plan.SeasonsTTL != prev.SeasonsTTL || plan.GamesTTL != prev.GamesTTL {
		a.log.Warn("sync games, concurrency and cache ttl apply after restart")
	}
	a.planMu.Lock()
	a.plan.Schedule, a.plan.Timeout = plan.Schedule, plan.Timeout
	a.planMu.Unlock()
}

func (a *App) currentPlan() syncPlan {
	a.planMu.Lock()
	defer a.planMu.Unlock()
	return a.plan
}

// TriggerSync queues a cycle outside the schedule.
func (a *App) TriggerSync() error {
	err := a.sched.Trigger(SyncSchedule)
	if errors.Is(err, engine.ErrOverlapSkip) {
		return fmt.Errorf("a sync cycle is already running")
	}
	return err
}

// SyncOnce runs a single cycle in the foreground. With discord configured
// the gateway is opened for the duration of the cycle.
func (a *App) SyncOnce(ctx context.Context) (seasonsync.CycleReport, error) {
	if a.bot == nil && !a.dryRun {
		return seasonsync.CycleReport{}, fmt.Errorf("discord.token is required (or %s); use --dry-run to only log announcements", config.EnvDiscordToken)
	}
	if a.bot != nil {
		if err := a.bot.Start(ctx); err != nil {
			return seasonsync.CycleReport{}, err
		}
		defer func() { _ = a.bot.Stop(context.Background()) }()
		if !a.waitReady(ctx) {
			return seasonsync.CycleReport{}, ctx.Err()
		}
	}
	if timeout := a.currentPlan().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return a.syncer.RunCycle(ctx)
}

// Close releases storage and log files of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", reason))

	// cancel the run context first so background loops start unwinding
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = max0(rem)
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// triggers first, then the running cycle, then the transports it uses
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("discord", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.operator != nil {
			return a.operator.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
