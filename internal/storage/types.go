package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "memory": process-local maps, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CommunitySettings is the master row of a community. A missing row means
// the community never changed its defaults.
type CommunitySettings struct {
	CommunityID string
	Enabled     bool
	ChannelID   string
	UpdatedAt   time.Time
}

// LedgerEntry records that a season was announced to a community.
type LedgerEntry struct {
	CommunityID string
	GameSlug    string
	SeasonKey   string
	SeasonName  string
	NotifiedAt  time.Time
}

// TokenRecord is a persisted access credential.
type TokenRecord struct {
	Token     string
	ExpiresAt time.Time
}

// ResponseRecord is a persisted upstream payload.
type ResponseRecord struct {
	Payload   []byte
	ExpiresAt time.Time
}

// SubscriptionStore persists per-community and per-game flags. Rows are
// written only by explicit configuration calls and never deleted.
type SubscriptionStore interface {
	GetCommunity(ctx context.Context, communityID string) (CommunitySettings, bool, error)
	SetCommunityEnabled(ctx context.Context, communityID string, enabled bool, at time.Time) error
	SetCommunityChannel(ctx context.Context, communityID, channelID string, at time.Time) error
	GetGame(ctx context.Context, communityID, game string) (enabled bool, ok bool, err error)
	SetGame(ctx context.Context, communityID, game string, enabled bool, at time.Time) error
	ListGames(ctx context.Context, communityID string) (map[string]bool, error)
}

// LedgerStore is the append-only record of announced seasons.
type LedgerStore interface {
	HasSeason(ctx context.Context, communityID, game, seasonKey string) (bool, error)
	// InsertSeason adds e unless the triple exists; inserted reports which.
	InsertSeason(ctx context.Context, e LedgerEntry) (inserted bool, err error)
	// ListSeasons returns entries newest first. Empty game means all games.
	ListSeasons(ctx context.Context, communityID, game string, limit int) ([]LedgerEntry, error)
	CountSeasons(ctx context.Context, communityID string) (int, error)
}

// TokenStore persists access credentials by key.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (TokenRecord, bool, error)
	PutToken(ctx context.Context, key string, rec TokenRecord) error
}

// ResponseStore persists upstream payloads by key. Expired rows may be
// returned; freshness is decided by the caller.
type ResponseStore interface {
	GetResponse(ctx context.Context, key string) (ResponseRecord, bool, error)
	PutResponse(ctx context.Context, key string, rec ResponseRecord) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CacheStore is the subset that may live in a separate backend (redis).
type CacheStore interface {
	TokenStore
	ResponseStore
	Close() error
}

// Store is the whole persistence layer.
type Store interface {
	SubscriptionStore
	LedgerStore
	TokenStore
	ResponseStore
	Close() error
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
