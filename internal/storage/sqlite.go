package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"arpgbot/internal/apperr"
	logx "arpgbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storageErr(op string, err error) error { return apperr.E(apperr.KindStorage, op, err) }

// ---- subscriptions ----

func (s *sqliteStore) GetCommunity(ctx context.Context, communityID string) (CommunitySettings, bool, error) {
	var (
		enabled   int
		channel   sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, channel_id, updated_at FROM community_settings WHERE community_id = ?`,
		communityID,
	).Scan(&enabled, &channel, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CommunitySettings{}, false, nil
	}
	if err != nil {
		return CommunitySettings{}, false, storageErr("storage.get_community", err)
	}
	at, _ := parseTime(updatedAt)
	return CommunitySettings{
		CommunityID: communityID,
		Enabled:     enabled != 0,
		ChannelID:   channel.String,
		UpdatedAt:   at,
	}, true, nil
}

func (s *sqliteStore) SetCommunityEnabled(ctx context.Context, communityID string, enabled bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO community_settings(community_id, enabled, updated_at) VALUES(?,?,?)
		 ON CONFLICT(community_id) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		communityID, boolInt(enabled), formatTime(at),
	)
	return storageErr("storage.set_community_enabled", err)
}

// SetCommunityChannel creates the master row as enabled when missing, which
// matches the default a missing row resolves to.
func (s *sqliteStore) SetCommunityChannel(ctx context.Context, communityID, channelID string, at time.Time) error {
	var ch any
	if strings.TrimSpace(channelID) != "" {
		ch = channelID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO community_settings(community_id, enabled, channel_id, updated_at) VALUES(?,1,?,?)
		 ON CONFLICT(community_id) DO UPDATE SET channel_id=excluded.channel_id, updated_at=excluded.updated_at`,
		communityID, ch, formatTime(at),
	)
	return storageErr("storage.set_community_channel", err)
}

func (s *sqliteStore) GetGame(ctx context.Context, communityID, game string) (bool, bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM community_games WHERE community_id = ? AND game_slug = ?`,
		communityID, game,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, storageErr("storage.get_game", err)
	}
	return enabled != 0, true, nil
}

func (s *sqliteStore) SetGame(ctx context.Context, communityID, game string, enabled bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO community_games(community_id, game_slug, enabled, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(community_id, game_slug) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		communityID, game, boolInt(enabled), formatTime(at),
	)
	return storageErr("storage.set_game", err)
}

func (s *sqliteStore) ListGames(ctx context.Context, communityID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT game_slug, enabled FROM community_games WHERE community_id = ?`, communityID)
	if err != nil {
		return nil, storageErr("storage.list_games", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			slug    string
			enabled int
		)
		if err := rows.Scan(&slug, &enabled); err != nil {
			return nil, storageErr("storage.list_games", err)
		}
		out[slug] = enabled != 0
	}
	return out, storageErr("storage.list_games", rows.Err())
}

// ---- ledger ----

func (s *sqliteStore) HasSeason(ctx context.Context, communityID, game, seasonKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM season_ledger WHERE community_id = ? AND game_slug = ? AND season_key = ?`,
		communityID, game, seasonKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("storage.has_season", err)
	}
	return true, nil
}

func (s *sqliteStore) InsertSeason(ctx context.Context, e LedgerEntry) (bool, error) {
	var name any
	if e.SeasonName != "" {
		name = e.SeasonName
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO season_ledger(community_id, game_slug, season_key, season_name, notified_at)
		 VALUES(?,?,?,?,?) ON CONFLICT DO NOTHING`,
		e.CommunityID, e.GameSlug, e.SeasonKey, name, formatTime(e.NotifiedAt),
	)
	if err != nil {
		return false, storageErr("storage.insert_season", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("storage.insert_season", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) ListSeasons(ctx context.Context, communityID, game string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT game_slug, season_key, season_name, notified_at FROM season_ledger WHERE community_id = ?`
	args := []any{communityID}
	if game != "" {
		q += ` AND game_slug = ?`
		args = append(args, game)
	}
	q += ` ORDER BY notified_at DESC, season_key LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("storage.list_seasons", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e    = LedgerEntry{CommunityID: communityID}
			name sql.NullString
			at   string
		)
		if err := rows.Scan(&e.GameSlug, &e.SeasonKey, &name, &at); err != nil {
			return nil, storageErr("storage.list_seasons", err)
		}
		e.SeasonName = name.String
		e.NotifiedAt, _ = parseTime(at)
		out = append(out, e)
	}
	return out, storageErr("storage.list_seasons", rows.Err())
}

func (s *sqliteStore) CountSeasons(ctx context.Context, communityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM season_ledger WHERE community_id = ?`, communityID).Scan(&n)
	return n, storageErr("storage.count_seasons", err)
}

// ---- tokens ----

func (s *sqliteStore) GetToken(ctx context.Context, key string) (TokenRecord, bool, error) {
	var tok, exp string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM api_tokens WHERE token_key = ?`, key).Scan(&tok, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, storageErr("storage.get_token", err)
	}
	at, err := parseTime(exp)
	if err != nil {
		// unreadable expiry: treat as absent so a fresh exchange replaces it
		return TokenRecord{}, false, nil
	}
	return TokenRecord{Token: tok, ExpiresAt: at}, true, nil
}

func (s *sqliteStore) PutToken(ctx context.Context, key string, rec TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_tokens(token_key, token, expires_at) VALUES(?,?,?)
		 ON CONFLICT(token_key) DO UPDATE SET token=excluded.token, expires_at=excluded.expires_at`,
		key, rec.Token, formatTime(rec.ExpiresAt),
	)
	return storageErr("storage.put_token", err)
}

// ---- response cache ----

func (s *sqliteStore) GetResponse(ctx context.Context, key string) (ResponseRecord, bool, error) {
	var (
		payload []byte
		exp     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM api_cache WHERE cache_key = ?`, key).Scan(&payload, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return ResponseRecord{}, false, nil
	}
	if err != nil {
		return ResponseRecord{}, false, storageErr("storage.get_response", err)
	}
	at, err := parseTime(exp)
	if err != nil {
		return ResponseRecord{}, false, nil
	}
	return ResponseRecord{Payload: payload, ExpiresAt: at}, true, nil
}

func (s *sqliteStore) PutResponse(ctx context.Context, key string, rec ResponseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_cache(cache_key, payload, expires_at) VALUES(?,?,?)
		 ON CONFLICT(cache_key) DO UPDATE SET payload=excluded.payload, expires_at=excluded.expires_at`,
		key, rec.Payload, formatTime(rec.ExpiresAt),
	)
	return storageErr("storage.put_response", err)
}

func (s *sqliteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_cache WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, storageErr("storage.delete_expired", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
