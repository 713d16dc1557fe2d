package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Season is a normalized upstream season.
type Season struct {
	Game          string    `json:"game"`
	GameName      string    `json:"game_name,omitempty"`
	Key           string    `json:"key"`
	Name          string    `json:"name"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	URL           string    `json:"url,omitempty"`
	PatchNotesURL string    `json:"patch_notes_url,omitempty"`
}

func (s Season) HasStart() bool { return !s.Start.IsZero() }

// Ended reports whether the season has a known end before now.
func (s Season) Ended(now time.Time) bool { return !s.End.IsZero() && s.End.Before(now) }

// Upcoming reports whether the season starts after now.
func (s Season) Upcoming(now time.Time) bool { return s.HasStart() && s.Start.After(now) }

// SeasonList is the cached per-game season listing.
type SeasonList struct {
	Game    string   `json:"game"`
	Seasons []Season `json:"seasons"`
}

// Game is a tracked game.
type Game struct {
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	SeasonKeyword string   `json:"season_keyword,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

// GameList is the cached game listing.
type GameList struct {
	Games []Game `json:"games"`
}

func (l GameList) Slugs() []string {
	out := make([]string, 0, len(l.Games))
	for _, g := range l.Games {
		out = append(out, g.Slug)
	}
	return out
}

// SeasonKey derives the ledger key of a season: the upstream id when there
// is one, otherwise name and start. Nothing else may feed the key.
func SeasonKey(id, name string, start time.Time) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	name = strings.TrimSpace(name)
	if start.IsZero() {
		return name
	}
	return name + ":" + strconv.FormatInt(start.Unix(), 10)
}

// DisplayGameName turns "path-of-exile" into "Path Of Exile".
func DisplayGameName(slug string) string {
	parts := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, " ")
}

// ---- wire format ----

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type rawSeason struct {
	ID            flexString `json:"id"`
	Slug          flexString `json:"slug"`
	Name          string     `json:"name"`
	Game          string     `json:"game"`
	Start         string     `json:"start"`
	End           string     `json:"end"`
	URL           string     `json:"url"`
	PatchNotesURL string     `json:"patchNotesUrl"`

	// per-game entry form: {"game": "...", "current": {...}, "next": {...}}
	Current *rawSeason `json:"current"`
	Next    *rawSeason `json:"next"`
}

type rawGame struct {
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	SeasonKeyword string   `json:"seasonKeyword"`
	Categories    []string `json:"categories"`
}

// listItems accepts {"<field>": [...]} or a bare array.
func listItems(body []byte, field string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	var items []json.RawMessage
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, err
		}
		raw, ok := obj[field]
		if !ok {
			return nil, fmt.Errorf("missing %q", field)
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%q: %w", field, err)
		}
	default:
		return nil, fmt.Errorf("unexpected payload")
	}
	return items, nil
}

// parseTime accepts RFC 3339, a zone-less timestamp (UTC) or a date.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}

func normalizeSeason(r rawSeason, game string) (Season, error) {
	name := strings.TrimSpace(r.Name)
	id := strings.TrimSpace(string(r.ID))
	if id == "" {
		id = strings.TrimSpace(string(r.Slug))
	}
	if name == "" && id == "" {
		return Season{}, fmt.Errorf("season without id or name")
	}
	start, err := parseTime(r.Start)
	if err != nil {
		return Season{}, fmt.Errorf("season %q start: %w", name, err)
	}
	end, err := parseTime(r.End)
	if err != nil {
		return Season{}, fmt.Errorf("season %q end: %w", name, err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return Season{}, fmt.Errorf("season %q ends before it starts", name)
	}
	if name == "" {
		name = id
	}
	return Season{
		Game:          game,
		GameName:      DisplayGameName(game),
		Key:           SeasonKey(id, name, start),
		Name:          name,
		Start:         start,
		End:           end,
		URL:           strings.TrimSpace(r.URL),
		PatchNotesURL: strings.TrimSpace(r.PatchNotesURL),
	}, nil
}

// ParseSeasons validates and normalizes a seasons payload for game. Items
// that name a different game are dropped. The result is sorted oldest
// start first, unknown starts last, ties by key.
func ParseSeasons(body []byte, game string) (SeasonList, error) {
	items, err := listItems(body, "seasons")
	if err != nil {
		return SeasonList{}, err
	}
	out := SeasonList{Game: game, Seasons: []Season{}}
	seen := make(map[string]bool)
	add := func(r rawSeason) error {
		s, err := normalizeSeason(r, game)
		if err != nil {
			return err
		}
		if !seen[s.Key] {
			seen[s.Key] = true
			out.Seasons = append(out.Seasons, s)
		}
		return nil
	}

	for i, raw := range items {
		var r rawSeason
		if err := json.Unmarshal(raw, &r); err != nil {
			return SeasonList{}, fmt.Errorf("item %d: %w", i, err)
		}
		if g := strings.ToLower(strings.TrimSpace(r.Game)); g != "" && g != game {
			continue
		}
		if r.Current == nil && r.Next == nil {
			if err := add(r); err != nil {
				return SeasonList{}, fmt.Errorf("item %d: %w", i, err)
			}
			continue
		}
		for _, blk := range []*rawSeason{r.Current, r.Next} {
			if blk == nil || (blk.Name == "" && blk.ID == "" && blk.Slug == "") {
				continue
			}
			if err := add(*blk); err != nil {
				return SeasonList{}, fmt.Errorf("item %d: %w", i, err)
			}
		}
	}
	SortSeasons(out.Seasons)
	return out, nil
}

// SortSeasons orders oldest start first; seasons without a start go last.
// Ties break on key so the order is deterministic.
func SortSeasons(ss []Season) {
	sort.SliceStable(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		switch {
		case a.HasStart() && !b.HasStart():
			return true
		case !a.HasStart() && b.HasStart():
			return false
		case a.HasStart() && !a.Start.Equal(b.Start):
			return a.Start.Before(b.Start)
		}
		return a.Key < b.Key
	})
}

// ParseGames validates and normalizes a games payload, sorted by slug.
func ParseGames(body []byte) (GameList, error) {
	items, err := listItems(body, "games")
	if err != nil {
		return GameList{}, err
	}
	out := GameList{Games: []Game{}}
	seen := make(map[string]bool)
	for i, raw := range items {
		var r rawGame
		if err := json.Unmarshal(raw, &r); err != nil {
			return GameList{}, fmt.Errorf("item %d: %w", i, err)
		}
		slug := strings.ToLower(strings.TrimSpace(r.Slug))
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = DisplayGameName(slug)
		}
		out.Games = append(out.Games, Game{Slug: slug, Name: name, SeasonKeyword: r.SeasonKeyword, Categories: r.Categories})
	}
	sort.Slice(out.Games, func(i, j int) bool { return out.Games[i].Slug < out.Games[j].Slug })
	return out, nil
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	Token       string     `json:"token"`
	JWT         string     `json:"jwt"`
	ExpiresIn   flexString `json:"expires_in"`
	Exp         flexString `json:"exp"`
	ExpiresAt   string     `json:"expires_at"`
}

// parseToken reads the token exchange response. Expiry comes from
// expires_in, exp or expires_at, in that order; otherwise defTTL.
func parseToken(body []byte, now time.Time, defTTL time.Duration) (string, time.Time, error) {
	var r tokenResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", time.Time{}, err
	}
	tok := r.AccessToken
	if tok == "" {
		tok = r.Token
	}
	if tok == "" {
		tok = r.JWT
	}
	if tok == "" {
		return "", time.Time{}, fmt.Errorf("no token in response")
	}

	exp := now.Add(defTTL)
	switch {
	case r.ExpiresIn != "":
		secs, err := strconv.ParseFloat(string(r.ExpiresIn), 64)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("expires_in: %w", err)
		}
		exp = now.Add(time.Duration(secs * float64(time.Second)))
	case r.Exp != "":
		secs, err := strconv.ParseFloat(string(r.Exp), 64)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("exp: %w", err)
		}
		exp = time.Unix(int64(secs), 0)
	case r.ExpiresAt != "":
		if t, err := parseTime(r.ExpiresAt); err == nil && !t.IsZero() {
			exp = t
		}
	}
	return tok, exp.UTC(), nil
}
