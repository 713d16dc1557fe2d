// Package seasonsync runs the season synchronization cycle.
//
// One cycle enumerates (community, game) pairs that are enabled, fetches
// each game's seasons once through the response cache, and announces every
// season the ledger has not seen. A ledger entry is written only after the
// announcement succeeded, so a failed or interrupted delivery is retried on
// the next cycle and never lost.
package seasonsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"arpgbot/internal/apperr"
	"arpgbot/internal/eventbus"
	"arpgbot/internal/ledger"
	"arpgbot/internal/observability/metrics"
	"arpgbot/internal/respcache"
	"arpgbot/internal/subscription"
	"arpgbot/internal/upstream"
	logx "arpgbot/pkg/logx"
)

// Event types published on the bus.
const (
	EventAnnounced      = "season.announced"
	EventDeliveryFailed = "season.delivery_failed"
	EventCycleDone      = "sync.cycle_done"
)

// Announcement is one season to deliver to one community.
type Announcement struct {
	CycleID   string
	Community string
	// ChannelID is the configured announcement channel; empty lets the
	// announcer pick a default.
	ChannelID string
	Season    upstream.Season
}

// Announcer delivers an announcement. A nil error means delivery is
// confirmed and the season will be recorded.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

// Directory lists the communities the bot serves.
type Directory interface {
	Communities(ctx context.Context) ([]string, error)
}

// Source is the upstream season API.
type Source interface {
	Seasons(ctx context.Context, game string) (upstream.SeasonList, time.Duration, error)
	Games(ctx context.Context) (upstream.GameList, time.Duration, error)
}

type Config struct {
	// Games pins the tracked games. Empty means the upstream game list.
	Games []string
	// Concurrency bounds how many games are processed at once.
	Concurrency int
	// GamesTTL is the cache lifetime of the game list.
	GamesTTL time.Duration
}

const (
	DefaultConcurrency = 4
	DefaultGamesTTL    = 30 * time.Minute

	gamesCacheKey = "games:list"
)

func seasonsCacheKey(game string) string { return "seasons:" + game }

type Deps struct {
	Directory     Directory
	Subscriptions *subscription.Store
	Ledger        *ledger.Ledger
	Cache         *respcache.Cache
	Source        Source
	Announcer     Announcer
	Bus           eventbus.Bus
	Log           logx.Logger
}

type Engine struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("seasonsync: directory is required")
	case deps.Subscriptions == nil:
		return nil, errors.New("seasonsync: subscription store is required")
	case deps.Ledger == nil:
		return nil, errors.New("seasonsync: ledger is required")
	case deps.Cache == nil:
		return nil, errors.New("seasonsync: response cache is required")
	case deps.Source == nil:
		return nil, errors.New("seasonsync: source is required")
	case deps.Announcer == nil:
		return nil, errors.New("seasonsync: announcer is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.GamesTTL <= 0 {
		cfg.GamesTTL = DefaultGamesTTL
	}
	cfg.Games = normGames(cfg.Games)
	return &Engine{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "seasonsync")),
		now:  time.Now,
	}, nil
}

// SetClock replaces the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func normGames(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, g := range in {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Games returns the tracked game slugs.
func (e *Engine) Games(ctx context.Context) ([]string, error) {
	if len(e.cfg.Games) > 0 {
		return e.cfg.Games, nil
	}
	list, err := e.gameList(ctx)
	if err != nil {
		return nil, err
	}
	return normGames(list.Slugs()), nil
}

func (e *Engine) gameList(ctx context.Context) (upstream.GameList, error) {
	return respcache.Load(ctx, e.deps.Cache, gamesCacheKey, func(ctx context.Context) (upstream.GameList, time.Duration, error) {
		list, ttl, err := e.deps.Source.Games(ctx)
		if ttl <= 0 {
			ttl = e.cfg.GamesTTL
		}
		return list, ttl, err
	})
}

// Seasons returns the seasons of game, from the cache when fresh.
func (e *Engine) Seasons(ctx context.Context, game string) (upstream.SeasonList, error) {
	game = strings.ToLower(strings.TrimSpace(game))
	return respcache.Load(ctx, e.deps.Cache, seasonsCacheKey(game), func(ctx context.Context) (upstream.SeasonList, time.Duration, error) {
		return e.deps.Source.Seasons(ctx, game)
	})
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration

	Games       int
	Communities int
	Pairs       int

	Announced      int
	AlreadySeen    int
	Ended          int
	DeliveryFailed int

	// GameErrors holds games whose seasons could not be fetched this cycle.
	GameErrors map[string]error
}

// Result is "ok", "partial" or "aborted".
func (r CycleReport) Result(err error) string {
	switch {
	case err != nil:
		return "aborted"
	case r.DeliveryFailed > 0 || len(r.GameErrors) > 0:
		return "partial"
	default:
		return "ok"
	}
}

type tally struct {
	mu sync.Mutex
	r  *CycleReport
}

func (t *tally) add(fn func(r *CycleReport)) {
	t.mu.Lock()
	fn(t.r)
	t.mu.Unlock()
}

// RunCycle runs one synchronization cycle.
//
// Upstream failures skip the affected game. Delivery failures skip the
// affected season. A storage failure aborts the cycle and is returned.
// Work not done when ctx ends is picked up by the next cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		ID:         uuid.NewString(),
		Started:    e.now(),
		GameErrors: map[string]error{},
	}
	log := e.log.With(logx.String("cycle", report.ID))

	err := e.runCycle(ctx, log, &report)
	report.Duration = e.now().Sub(report.Started)

	result := report.Result(err)
	metrics.ObserveCycle(result, report.Duration)
	e.publish(EventCycleDone, report)

	fields := []logx.Field{
		logx.String("result", result),
		logx.Int("games", report.Games),
		logx.Int("pairs", report.Pairs),
		logx.Int("announced", report.Announced),
		logx.Int("delivery_failed", report.DeliveryFailed),
		logx.Int("game_errors", len(report.GameErrors)),
		logx.Duration("took", report.Duration),
	}
	if err != nil {
		log.Error("sync cycle aborted", append(fields, logx.Err(err))...)
	} else {
		log.Info("sync cycle done", fields...)
	}
	return report, err
}

func (e *Engine) runCycle(ctx context.Context, log logx.Logger, report *CycleReport) error {
	games, err := e.Games(ctx)
	if err != nil {
		return fmt.Errorf("list games: %w", err)
	}
	communities, err := e.deps.Directory.Communities(ctx)
	if err != nil {
		return fmt.Errorf("list communities: %w", err)
	}
	report.Games = len(games)
	report.Communities = len(communities)

	// enumerate and group by game
	byGame := make(map[string][]string, len(games))
	for _, g := range games {
		for _, c := range communities {
			ok, err := e.deps.Subscriptions.IsEnabled(ctx, c, g)
			if err != nil {
				return err
			}
			if ok {
				byGame[g] = append(byGame[g], c)
				report.Pairs++
			}
		}
	}
	if len(byGame) == 0 {
		log.Debug("no enabled pairs")
		return nil
	}

	t := &tally{r: report}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, game := range games {
		comms := byGame[game]
		if len(comms) == 0 {
			continue
		}
		g.Go(func() error {
			return e.syncGame(gctx, log.With(logx.String("game", game)), t, game, comms)
		})
	}
	return g.Wait()
}

// syncGame fetches one game's seasons and walks its communities in order.
func (e *Engine) syncGame(ctx context.Context, log logx.Logger, t *tally, game string, communities []string) error {
	list, err := e.Seasons(ctx, game)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.add(func(r *CycleReport) { r.GameErrors[game] = err })
		if apperr.KindOf(err) == apperr.KindUpstreamData {
			log.Warn("upstream data rejected, skipping game", logx.Err(err))
		} else {
			log.Warn("season fetch failed, skipping game", logx.String("kind", apperr.KindOf(err).String()), logx.Err(err))
		}
		return nil
	}

	now := e.now()
	seasons := make([]upstream.Season, 0, len(list.Seasons))
	ended := 0
	for _, s := range list.Seasons {
		if s.Ended(now) {
			ended++
			continue
		}
		seasons = append(seasons, s)
	}
	upstream.SortSeasons(seasons)
	t.add(func(r *CycleReport) { r.Ended += ended })

	for _, community := range communities {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncPair(ctx, log.With(logx.String("community", community)), t, community, game, seasons); err != nil {
			return err
		}
	}
	return nil
}

// syncPair announces the unseen seasons of one (community, game) pair.
// Only storage failures and cancellation are returned.
func (e *Engine) syncPair(ctx context.Context, log logx.Logger, t *tally, community, game string, seasons []upstream.Season) error {
	var channel string
	channelLoaded := false

	for _, s := range seasons {
		seen, err := e.deps.Ledger.Seen(ctx, community, game, s.Key)
		if err != nil {
			return err
		}
		if seen {
			t.add(func(r *CycleReport) { r.AlreadySeen++ })
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !channelLoaded {
			if channel, err = e.deps.Subscriptions.Channel(ctx, community); err != nil {
				return err
			}
			channelLoaded = true
		}

		a := Announcement{CycleID: t.r.ID, Community: community, ChannelID: channel, Season: s}
		if err := e.deps.Announcer.Announce(ctx, a); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.add(func(r *CycleReport) { r.DeliveryFailed++ })
			metrics.Announcements.WithLabelValues(game, "failed").Inc()
			log.Warn("announce failed, will retry next cycle",
				logx.String("season", s.Name),
				logx.String("key", s.Key),
				logx.Err(err),
			)
			e.publish(EventDeliveryFailed, DeliveryFailed{Announcement: a, Err: err.Error()})
			continue
		}

		// delivered: record it even if the cycle is being cancelled
		if _, err := e.deps.Ledger.Commit(context.WithoutCancel(ctx), community, game, s.Key, s.Name); err != nil {
			// the season was delivered; it may be delivered again next cycle
			return err
		}
		t.add(func(r *CycleReport) { r.Announced++ })
		metrics.Announcements.WithLabelValues(game, "delivered").Inc()
		log.Info("season announced", logx.String("season", s.Name), logx.String("key", s.Key))
		e.publish(EventAnnounced, a)
	}
	return nil
}

// DeliveryFailed is the payload of EventDeliveryFailed.
type DeliveryFailed struct {
	Announcement
	Err string
}

func (e *Engine) publish(typ string, data any) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}
