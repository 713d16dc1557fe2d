// Package subscription answers whether a community wants announcements for
// a game.
//
// Everything is opt-out: a community with no settings row is enabled, and a
// game with no row takes the configured default (enabled unless changed).
package subscription

import (
	"context"
	"sort"
	"strings"
	"time"

	"arpgbot/internal/apperr"
	"arpgbot/internal/storage"
)

// Flag is a stored boolean that may be absent.
type Flag struct {
	Value bool
	Set   bool
}

func Some(v bool) Flag { return Flag{Value: v, Set: true} }

// Resolve returns the stored value, or def when nothing is stored.
func (f Flag) Resolve(def bool) bool {
	if !f.Set {
		return def
	}
	return f.Value
}

type Config struct {
	// DefaultGameEnabled applies to games without a row.
	DefaultGameEnabled bool
}

// DefaultConfig enables every game until told otherwise.
func DefaultConfig() Config { return Config{DefaultGameEnabled: true} }

type Store struct {
	cfg Config
	db  storage.SubscriptionStore
	now func() time.Time
}

func New(cfg Config, db storage.SubscriptionStore) *Store {
	return &Store{cfg: cfg, db: db, now: time.Now}
}

// SetClock replaces the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func normGame(game string) string { return strings.ToLower(strings.TrimSpace(game)) }

// Master returns the stored master flag of a community.
func (s *Store) Master(ctx context.Context, community string) (Flag, error) {
	cs, ok, err := s.db.GetCommunity(ctx, community)
	if err != nil {
		return Flag{}, apperr.E(apperr.KindStorage, "subscription.master", err)
	}
	if !ok {
		return Flag{}, nil
	}
	return Some(cs.Enabled), nil
}

// Game returns the stored flag of one game.
func (s *Store) Game(ctx context.Context, community, game string) (Flag, error) {
	v, ok, err := s.db.GetGame(ctx, community, normGame(game))
	if err != nil {
		return Flag{}, apperr.E(apperr.KindStorage, "subscription.game", err)
	}
	if !ok {
		return Flag{}, nil
	}
	return Some(v), nil
}

// IsEnabled reports whether community wants announcements for game: both
// the master flag and the game flag must resolve true.
func (s *Store) IsEnabled(ctx context.Context, community, game string) (bool, error) {
	master, err := s.Master(ctx, community)
	if err != nil {
		return false, err
	}
	if !master.Resolve(true) {
		return false, nil
	}
	g, err := s.Game(ctx, community, game)
	if err != nil {
		return false, err
	}
	return g.Resolve(s.cfg.DefaultGameEnabled), nil
}

func (s *Store) SetMasterEnabled(ctx context.Context, community string, enabled bool) error {
	err := s.db.SetCommunityEnabled(ctx, community, enabled, s.now())
	return apperr.E(apperr.KindStorage, "subscription.set_master", err)
}

func (s *Store) SetGameEnabled(ctx context.Context, community, game string, enabled bool) error {
	err := s.db.SetGame(ctx, community, normGame(game), enabled, s.now())
	return apperr.E(apperr.KindStorage, "subscription.set_game", err)
}

// SetChannel stores the announcement channel of a community. Empty clears it.
func (s *Store) SetChannel(ctx context.Context, community, channelID string) error {
	err := s.db.SetCommunityChannel(ctx, community, strings.TrimSpace(channelID), s.now())
	return apperr.E(apperr.KindStorage, "subscription.set_channel", err)
}

// Channel returns the stored announcement channel, or "".
func (s *Store) Channel(ctx context.Context, community string) (string, error) {
	cs, ok, err := s.db.GetCommunity(ctx, community)
	if err != nil {
		return "", apperr.E(apperr.KindStorage, "subscription.channel", err)
	}
	if !ok {
		return "", nil
	}
	return cs.ChannelID, nil
}

// GameState is the effective state of one game for a community.
type GameState struct {
	Game     string
	Enabled  bool
	Explicit bool
}

// Status describes a community's subscription.
type Status struct {
	Community     string
	MasterEnabled bool
	MasterSet     bool
	ChannelID     string
	Games         []GameState
}

// Status resolves the master flag and every game in games plus any game
// with a stored row. Games are sorted by slug.
func (s *Store) Status(ctx context.Context, community string, games []string) (Status, error) {
	cs, ok, err := s.db.GetCommunity(ctx, community)
	if err != nil {
		return Status{}, apperr.E(apperr.KindStorage, "subscription.status", err)
	}
	rows, err := s.db.ListGames(ctx, community)
	if err != nil {
		return Status{}, apperr.E(apperr.KindStorage, "subscription.status", err)
	}

	st := Status{Community: community, MasterEnabled: true}
	if ok {
		st.MasterEnabled, st.MasterSet, st.ChannelID = cs.Enabled, true, cs.ChannelID
	}

	seen := make(map[string]bool)
	for _, g := range games {
		g = normGame(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		v, explicit := rows[g]
		st.Games = append(st.Games, GameState{Game: g, Enabled: Flag{v, explicit}.Resolve(s.cfg.DefaultGameEnabled), Explicit: explicit})
	}
	for g, v := range rows {
		if !seen[g] {
			st.Games = append(st.Games, GameState{Game: g, Enabled: v, Explicit: true})
		}
	}
	sort.Slice(st.Games, func(i, j int) bool { return st.Games[i].Game < st.Games[j].Game })
	return st, nil
}
