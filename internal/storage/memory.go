package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type ledgerKey struct{ community, game, season string }

type gameKey struct{ community, game string }

// Memory is an in-process Store. Data is lost on exit.
type Memory struct {
	mu          sync.Mutex
	communities map[string]CommunitySettings
	games       map[gameKey]bool
	ledger      map[ledgerKey]LedgerEntry
	tokens      map[string]TokenRecord
	responses   map[string]ResponseRecord
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{
		communities: make(map[string]CommunitySettings),
		games:       make(map[gameKey]bool),
		ledger:      make(map[ledgerKey]LedgerEntry),
		tokens:      make(map[string]TokenRecord),
		responses:   make(map[string]ResponseRecord),
	}
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return storageErr("storage.memory", ErrClosed)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCommunity(_ context.Context, communityID string) (CommunitySettings, bool, error) {
	if err := m.lock(); err != nil {
		return CommunitySettings{}, false, err
	}
	defer m.mu.Unlock()
	cs, ok := m.communities[communityID]
	return cs, ok, nil
}

func (m *Memory) SetCommunityEnabled(_ context.Context, communityID string, enabled bool, at time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cs := m.communities[communityID]
	cs.CommunityID = communityID
	cs.Enabled = enabled
	cs.UpdatedAt = at.UTC()
	m.communities[communityID] = cs
	return nil
}

func (m *Memory) SetCommunityChannel(_ context.Context, communityID, channelID string, at time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cs, ok := m.communities[communityID]
	if !ok {
		cs = CommunitySettings{CommunityID: communityID, Enabled: true}
	}
	cs.ChannelID = channelID
	cs.UpdatedAt = at.UTC()
	m.communities[communityID] = cs
	return nil
}

func (m *Memory) GetGame(_ context.Context, communityID, game string) (bool, bool, error) {
	if err := m.lock(); err != nil {
		return false, false, err
	}
	defer m.mu.Unlock()
	v, ok := m.games[gameKey{communityID, game}]
	return v, ok, nil
}

func (m *Memory) SetGame(_ context.Context, communityID, game string, enabled bool, _ time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.games[gameKey{communityID, game}] = enabled
	return nil
}

func (m *Memory) ListGames(_ context.Context, communityID string) (map[string]bool, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for k, v := range m.games {
		if k.community == communityID {
			out[k.game] = v
		}
	}
	return out, nil
}

func (m *Memory) HasSeason(_ context.Context, communityID, game, seasonKey string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.ledger[ledgerKey{communityID, game, seasonKey}]
	return ok, nil
}

func (m *Memory) InsertSeason(_ context.Context, e LedgerEntry) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	k := ledgerKey{e.CommunityID, e.GameSlug, e.SeasonKey}
	if _, ok := m.ledger[k]; ok {
		return false, nil
	}
	e.NotifiedAt = e.NotifiedAt.UTC()
	m.ledger[k] = e
	return true, nil
}

func (m *Memory) ListSeasons(_ context.Context, communityID, game string, limit int) ([]LedgerEntry, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []LedgerEntry
	for k, e := range m.ledger {
		if k.community != communityID || (game != "" && k.game != game) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NotifiedAt.Equal(out[j].NotifiedAt) {
			return out[i].NotifiedAt.After(out[j].NotifiedAt)
		}
		return out[i].SeasonKey < out[j].SeasonKey
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountSeasons(_ context.Context, communityID string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for k := range m.ledger {
		if k.community == communityID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetToken(_ context.Context, key string) (TokenRecord, bool, error) {
	if err := m.lock(); err != nil {
		return TokenRecord{}, false, err
	}
	defer m.mu.Unlock()
	rec, ok := m.tokens[key]
	return rec, ok, nil
}

func (m *Memory) PutToken(_ context.Context, key string, rec TokenRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.tokens[key] = rec
	return nil
}

func (m *Memory) GetResponse(_ context.Context, key string) (ResponseRecord, bool, error) {
	if err := m.lock(); err != nil {
		return ResponseRecord{}, false, err
	}
	defer m.mu.Unlock()
	rec, ok := m.responses[key]
	if !ok {
		return ResponseRecord{}, false, nil
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, true, nil
}

func (m *Memory) PutResponse(_ context.Context, key string, rec ResponseRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	rec.Payload = append([]byte(nil), rec.Payload...)
	m.responses[key] = rec
	return nil
}

func (m *Memory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.responses {
		if rec.ExpiresAt.Before(now) {
			delete(m.responses, k)
			n++
		}
	}
	return n, nil
}
