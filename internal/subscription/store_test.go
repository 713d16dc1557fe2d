package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/apperr"
	"arpgbot/internal/storage"
)

func TestFlagResolve(t *testing.T) {
	t.Parallel()

	assert.True(t, Flag{}.Resolve(true))
	assert.False(t, Flag{}.Resolve(false))
	assert.False(t, Some(false).Resolve(true))
	assert.True(t, Some(true).Resolve(false))
}

func TestDefaultsAreEnabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New(DefaultConfig(), storage.NewMemory())
	ok, err := s.IsEnabled(ctx, "fresh-guild", "poe")
	require.NoError(t, err)
	assert.True(t, ok, "no rows means enabled")
}

func TestIsEnabledMatrix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name       string
		master     *bool
		game       *bool
		defaultOn  bool
		wantEnable bool
	}{
		{"no rows", nil, nil, true, true},
		{"no rows, default off", nil, nil, false, false},
		{"master off", ptr(false), nil, true, false},
		{"master off overrides game on", ptr(false), ptr(true), true, false},
		{"game off", nil, ptr(false), true, false},
		{"game on beats default off", ptr(true), ptr(true), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{DefaultGameEnabled: tc.defaultOn}, storage.NewMemory())
			if tc.master != nil {
				require.NoError(t, s.SetMasterEnabled(ctx, "g", *tc.master))
			}
			if tc.game != nil {
				require.NoError(t, s.SetGameEnabled(ctx, "g", "PoE ", *tc.game))
			}
			got, err := s.IsEnabled(ctx, "g", "poe")
			require.NoError(t, err)
			assert.Equal(t, tc.wantEnable, got)
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New(DefaultConfig(), storage.NewMemory())
	require.NoError(t, s.SetGameEnabled(ctx, "g", "d4", false))
	require.NoError(t, s.SetGameEnabled(ctx, "g", "last-epoch", true))
	require.NoError(t, s.SetChannel(ctx, "g", "c1"))

	st, err := s.Status(ctx, "g", []string{"poe", "d4"})
	require.NoError(t, err)
	assert.True(t, st.MasterEnabled)
	assert.Equal(t, "c1", st.ChannelID)
	assert.Equal(t, []GameState{
		{Game: "d4", Enabled: false, Explicit: true},
		{Game: "last-epoch", Enabled: true, Explicit: true},
		{Game: "poe", Enabled: true, Explicit: false},
	}, st.Games)
}

func TestStorageFailureIsStorageError(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory()
	require.NoError(t, db.Close())
	s := New(DefaultConfig(), db)

	_, err := s.IsEnabled(context.Background(), "g", "poe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Storage))
	assert.True(t, apperr.Retryable(err))
}

func ptr(b bool) *bool { return &b }
