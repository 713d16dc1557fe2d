package seasonsync

import (
	"context"
	"errors"

	"arpgbot/internal/ledger"
	"arpgbot/internal/subscription"
	"arpgbot/internal/upstream"
	logx "arpgbot/pkg/logx"
)

// CommunityStatus is the answer to a status query.
type CommunityStatus struct {
	subscription.Status
	Announced int
	// Recent holds the newest ledger entries, newest first.
	Recent []ledger.Entry
}

// recentLimit caps CommunityStatus.Recent.
const recentLimit = 5

// Status reports the subscription state of community plus how many seasons
// were announced to it and the latest of them. Unknown games come from the tracked game list; if
// that list cannot be loaded only stored game rows are shown.
func (e *Engine) Status(ctx context.Context, community string) (CommunityStatus, error) {
	games, err := e.Games(ctx)
	if err != nil {
		e.log.Warn("status without game list", logx.Err(err))
		games = nil
	}
	st, err := e.deps.Subscriptions.Status(ctx, community, games)
	if err != nil {
		return CommunityStatus{}, err
	}
	n, err := e.deps.Ledger.Count(ctx, community)
	if err != nil {
		return CommunityStatus{}, err
	}
	recent, err := e.deps.Ledger.List(ctx, community, "", recentLimit)
	if err != nil {
		return CommunityStatus{}, err
	}
	return CommunityStatus{Status: st, Announced: n, Recent: recent}, nil
}

// ActiveSeasons returns the seasons that have not ended, per game, read
// through the response cache. It never touches the ledger. A game that
// fails to load is left out and its error joined into err.
func (e *Engine) ActiveSeasons(ctx context.Context, games ...string) ([]upstream.SeasonList, error) {
	if len(games) == 0 {
		var err error
		if games, err = e.Games(ctx); err != nil {
			return nil, err
		}
	}
	games = normGames(games)

	now := e.now()
	out := make([]upstream.SeasonList, 0, len(games))
	var errs []error
	for _, g := range games {
		list, err := e.Seasons(ctx, g)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		active := upstream.SeasonList{Game: list.Game, Seasons: make([]upstream.Season, 0, len(list.Seasons))}
		for _, s := range list.Seasons {
			if !s.Ended(now) {
				active.Seasons = append(active.Seasons, s)
			}
		}
		out = append(out, active)
	}
	return out, errors.Join(errs...)
}
