package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeasonKey(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 6, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "abc", SeasonKey(" abc ", "Name", start))
	assert.Equal(t, "Name:1772827200", SeasonKey("", "Name", start))
	assert.Equal(t, "Name", SeasonKey("", " Name ", time.Time{}))
}

func TestParseSeasonsEntryForm(t *testing.T) {
	t.Parallel()

	body := []byte(`[
	  {"game":"poe",
	   "current":{"name":"Settlers","start":"2025-07-26T19:00:00Z"},
	   "next":{"name":"Dawn","start":"2026-03-06T20:00:00Z","patchNotesUrl":"https://example.test/pn"}},
	  {"game":"d4","current":{"name":"Other"}},
	  {"game":"poe","current":{"name":"Settlers","start":"2025-07-26T19:00:00Z"}}
	]`)

	list, err := ParseSeasons(body, "poe")
	require.NoError(t, err)
	require.Len(t, list.Seasons, 2, "other games dropped, duplicates folded")
	assert.Equal(t, "Settlers", list.Seasons[0].Name)
	assert.Equal(t, "Dawn", list.Seasons[1].Name)
	assert.Equal(t, "Dawn:1772827200", list.Seasons[1].Key)
	assert.Equal(t, "https://example.test/pn", list.Seasons[1].PatchNotesURL)
	assert.Equal(t, "Poe", list.Seasons[0].GameName)
}

func TestNextBecomingCurrentKeepsKey(t *testing.T) {
	t.Parallel()

	before, err := ParseSeasons([]byte(`[{"next":{"name":"Dawn","start":"2026-03-06T20:00:00Z"}}]`), "poe")
	require.NoError(t, err)
	after, err := ParseSeasons([]byte(`[{"current":{"name":"Dawn","start":"2026-03-06T20:00:00Z"}}]`), "poe")
	require.NoError(t, err)
	assert.Equal(t, before.Seasons[0].Key, after.Seasons[0].Key)
}

func TestParseSeasonsNumericID(t *testing.T) {
	t.Parallel()

	list, err := ParseSeasons([]byte(`{"seasons":[{"id":42,"name":"N","start":"2026-01-01"}]}`), "poe")
	require.NoError(t, err)
	require.Len(t, list.Seasons, 1)
	assert.Equal(t, "42", list.Seasons[0].Key)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), list.Seasons[0].Start)
}

func TestSortSeasonsTies(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ss := []Season{
		{Key: "z"},
		{Key: "b", Start: start},
		{Key: "a", Start: start},
		{Key: "early", Start: start.Add(-time.Hour)},
		{Key: "m"},
	}
	SortSeasons(ss)

	var keys []string
	for _, s := range ss {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"early", "a", "b", "m", "z"}, keys)
}

func TestSeasonEnded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, Season{End: now.Add(-time.Second)}.Ended(now))
	assert.False(t, Season{End: now.Add(time.Second)}.Ended(now))
	assert.False(t, Season{}.Ended(now))
}

func TestParseToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		body    string
		wantTok string
		wantExp time.Time
	}{
		{"access_token expires_in", `{"access_token":"a","expires_in":300}`, "a", now.Add(5 * time.Minute)},
		{"token expires_in string", `{"token":"b","expires_in":"60"}`, "b", now.Add(time.Minute)},
		{"jwt exp", `{"jwt":"c","exp":1767229200}`, "c", time.Unix(1767229200, 0).UTC()},
		{"expires_at", `{"token":"d","expires_at":"2026-01-01T02:00:00Z"}`, "d", now.Add(2 * time.Hour)},
		{"default ttl", `{"token":"e"}`, "e", now.Add(time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok, exp, err := parseToken([]byte(tc.body), now, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, tc.wantTok, tok)
			assert.True(t, tc.wantExp.Equal(exp), "got %s", exp)
		})
	}

	_, _, err := parseToken([]byte(`{"expires_in":5}`), now, time.Hour)
	require.Error(t, err)
}
