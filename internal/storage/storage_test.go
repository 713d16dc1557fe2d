package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/apperr"
	logx "arpgbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestSubscriptionRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.GetCommunity(ctx, "g1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.SetCommunityEnabled(ctx, "g1", false, at))
			cs, ok, err := st.GetCommunity(ctx, "g1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.False(t, cs.Enabled)
			assert.True(t, cs.UpdatedAt.Equal(at))

			require.NoError(t, st.SetCommunityChannel(ctx, "g1", "chan-9", at))
			cs, _, err = st.GetCommunity(ctx, "g1")
			require.NoError(t, err)
			assert.False(t, cs.Enabled, "channel update keeps the master flag")
			assert.Equal(t, "chan-9", cs.ChannelID)

			_, ok, err = st.GetGame(ctx, "g1", "poe")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.SetGame(ctx, "g1", "poe", false, at))
			require.NoError(t, st.SetGame(ctx, "g1", "d4", true, at))
			require.NoError(t, st.SetGame(ctx, "g1", "poe", true, at))
			games, err := st.ListGames(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, map[string]bool{"poe": true, "d4": true}, games)
		})
	}
}

func TestLedgerInsertOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			e := LedgerEntry{CommunityID: "g1", GameSlug: "poe", SeasonKey: "s1", SeasonName: "Settlers", NotifiedAt: t0}

			ins, err := st.InsertSeason(ctx, e)
			require.NoError(t, err)
			assert.True(t, ins)

			e.NotifiedAt = t0.Add(time.Hour)
			ins, err = st.InsertSeason(ctx, e)
			require.NoError(t, err)
			assert.False(t, ins)

			has, err := st.HasSeason(ctx, "g1", "poe", "s1")
			require.NoError(t, err)
			assert.True(t, has)
			has, err = st.HasSeason(ctx, "g2", "poe", "s1")
			require.NoError(t, err)
			assert.False(t, has)

			_, err = st.InsertSeason(ctx, LedgerEntry{CommunityID: "g1", GameSlug: "d4", SeasonKey: "s9", NotifiedAt: t0.Add(2 * time.Hour)})
			require.NoError(t, err)

			list, err := st.ListSeasons(ctx, "g1", "", 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "s9", list[0].SeasonKey)
			assert.True(t, list[1].NotifiedAt.Equal(t0), "first write wins")

			list, err = st.ListSeasons(ctx, "g1", "poe", 10)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			n, err := st.CountSeasons(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestLedgerConcurrentInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				inserted int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := st.InsertSeason(ctx, LedgerEntry{CommunityID: "g", GameSlug: "poe", SeasonKey: "k", NotifiedAt: time.Now()})
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						inserted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, inserted)
		})
	}
}

func TestTokenAndResponseRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.GetToken(ctx, "token:x")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutToken(ctx, "token:x", TokenRecord{Token: "abc", ExpiresAt: now.Add(time.Hour)}))
			tok, ok, err := st.GetToken(ctx, "token:x")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "abc", tok.Token)
			assert.True(t, tok.ExpiresAt.Equal(now.Add(time.Hour)))

			require.NoError(t, st.PutResponse(ctx, "old", ResponseRecord{Payload: []byte(`[1]`), ExpiresAt: now.Add(-time.Second)}))
			require.NoError(t, st.PutResponse(ctx, "new", ResponseRecord{Payload: []byte(`[2]`), ExpiresAt: now.Add(500 * time.Millisecond)}))

			n, err := st.DeleteExpired(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err = st.GetResponse(ctx, "old")
			require.NoError(t, err)
			assert.False(t, ok)
			rec, ok, err := st.GetResponse(ctx, "new")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `[2]`, string(rec.Payload))
		})
	}
}

func TestClosedMemoryReportsStorageError(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.HasSeason(context.Background(), "g", "poe", "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Storage))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
