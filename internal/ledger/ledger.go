// Package ledger remembers which seasons were announced to which community.
//
// Entries are only ever added. Presence of (community, game, season key)
// means the season was delivered and must not be announced again.
package ledger

import (
	"context"
	"time"

	"arpgbot/internal/apperr"
	"arpgbot/internal/storage"
)

type Entry = storage.LedgerEntry

type Ledger struct {
	db  storage.LedgerStore
	now func() time.Time
}

func New(db storage.LedgerStore) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// SetClock replaces the time source (tests).
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Seen reports whether the season was already announced to community.
func (l *Ledger) Seen(ctx context.Context, community, game, seasonKey string) (bool, error) {
	ok, err := l.db.HasSeason(ctx, community, game, seasonKey)
	if err != nil {
		return false, apperr.E(apperr.KindStorage, "ledger.seen", err)
	}
	return ok, nil
}

// Commit records a delivered season. Committing an existing triple is a
// no-op that keeps the original timestamp; recorded reports whether a new
// row was written.
func (l *Ledger) Commit(ctx context.Context, community, game, seasonKey, seasonName string) (recorded bool, err error) {
	recorded, err = l.db.InsertSeason(ctx, storage.LedgerEntry{
		CommunityID: community,
		GameSlug:    game,
		SeasonKey:   seasonKey,
		SeasonName:  seasonName,
		NotifiedAt:  l.now().UTC(),
	})
	if err != nil {
		return false, apperr.E(apperr.KindStorage, "ledger.commit", err)
	}
	return recorded, nil
}

// List returns the newest entries of community, optionally for one game.
func (l *Ledger) List(ctx context.Context, community, game string, limit int) ([]Entry, error) {
	out, err := l.db.ListSeasons(ctx, community, game, limit)
	if err != nil {
		return nil, apperr.E(apperr.KindStorage, "ledger.list", err)
	}
	return out, nil
}

// Count returns how many seasons were announced to community.
func (l *Ledger) Count(ctx context.Context, community string) (int, error) {
	n, err := l.db.CountSeasons(ctx, community)
	if err != nil {
		return 0, apperr.E(apperr.KindStorage, "ledger.count", err)
	}
	return n, nil
}
