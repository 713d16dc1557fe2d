// Package upstream talks to the season-tracking API.
//
// Requests carry a bearer token from a TokenSource, are rate limited, and
// are retried with exponential backoff on transient failures. A 401/403
// invalidates the token and retries once with a fresh one. Payloads are
// validated into SeasonList / GameList before they leave this package.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"arpgbot/internal/apperr"
	"arpgbot/internal/observability/metrics"
	logx "arpgbot/pkg/logx"
)

// TokenSource hands out bearer tokens. credential.Cache implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RatePerSec     int
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	UserAgent      string
	SeasonsPath    string
	GamesPath      string
	MaxPayloadSize int64
	// HonorMaxAge lets Cache-Control max-age override the caller's TTL.
	HonorMaxAge bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "arpgbot"
	}
	if c.SeasonsPath == "" {
		c.SeasonsPath = "/seasons"
	}
	if c.GamesPath == "" {
		c.GamesPath = "/games"
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 1 << 20
	}
	return c
}

type Client struct {
	cfg     Config
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	log     logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Client. hc may be nil.
func New(cfg Config, hc *http.Client, tokens TokenSource, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream: base url: %w", err)
	}
	if tokens == nil {
		return nil, errors.New("upstream: token source is required")
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "upstream")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}, nil
}

// Seasons fetches the seasons of one game. ttl is the Cache-Control max-age
// when the upstream sent one and HonorMaxAge is on, otherwise zero.
func (c *Client) Seasons(ctx context.Context, game string) (SeasonList, time.Duration, error) {
	q := url.Values{"game": {game}}
	body, ttl, err := c.get(ctx, "seasons", c.cfg.SeasonsPath, q)
	if err != nil {
		return SeasonList{}, 0, err
	}
	list, err := ParseSeasons(body, game)
	if err != nil {
		return SeasonList{}, 0, apperr.E(apperr.KindUpstreamData, "upstream.seasons", fmt.Errorf("%s: %w", game, err))
	}
	return list, ttl, nil
}

// Games fetches the list of tracked games.
func (c *Client) Games(ctx context.Context) (GameList, time.Duration, error) {
	body, ttl, err := c.get(ctx, "games", c.cfg.GamesPath, nil)
	if err != nil {
		return GameList{}, 0, err
	}
	list, err := ParseGames(body)
	if err != nil {
		return GameList{}, 0, apperr.E(apperr.KindUpstreamData, "upstream.games", err)
	}
	return list, ttl, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// get performs an authenticated GET with retries.
func (c *Client) get(ctx context.Context, name, path string, q url.Values) ([]byte, time.Duration, error) {
	op := "upstream." + name
	target := c.endpoint(path, q)
	reauthed := false

	for attempt := 0; ; attempt++ {
		body, ttl, err := c.once(ctx, name, target)
		if err == nil {
			return body, ttl, nil
		}
		if ctx.Err() != nil {
			return nil, 0, apperr.E(apperr.KindTransientNetwork, op, ctx.Err())
		}

		var rej *rejectedError
		if errors.As(err, &rej) {
			c.tokens.Invalidate(rej.token)
			if reauthed {
				return nil, 0, apperr.E(apperr.KindAuth, op, err)
			}
			reauthed = true
			c.log.Warn("token rejected, retrying with a fresh one", logx.String("endpoint", name), logx.Int("status", rej.status))
			attempt--
			continue
		}

		var fin *finalError
		if errors.As(err, &fin) {
			return nil, 0, fin.err
		}
		if !apperr.Retryable(err) || apperr.KindOf(err) == apperr.KindAuth || attempt >= c.cfg.RetryMax {
			return nil, 0, apperr.E(apperr.KindTransientNetwork, op, err)
		}
		d := c.backoff(attempt+1, apperr.RetryAfterOf(err))
		c.log.Debug("upstream retry",
			logx.String("endpoint", name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", d),
			logx.Err(err),
		)
		if err := c.sleep(ctx, d); err != nil {
			return nil, 0, apperr.E(apperr.KindTransientNetwork, op, err)
		}
	}
}

type rejectedError struct {
	status int
	token  string
}

func (e *rejectedError) Error() string { return fmt.Sprintf("token rejected (HTTP %d)", e.status) }

// finalError is retryable on the next cycle but not within this one.
type finalError struct{ err error }

func (e *finalError) Error() string { return e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

// once performs a single request. Errors are classified: rejectedError for
// 401/403, TransientNetwork for network errors, 408, 425, 429 and 5xx, and
// a finalError for any other status.
func (c *Client) once(ctx context.Context, name, target string) ([]byte, time.Duration, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, apperr.E(apperr.KindAuth, "upstream.token", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, apperr.E(apperr.KindTransientNetwork, "upstream.limit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, apperr.E(apperr.KindUpstreamData, "upstream.request", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(name, "error", time.Since(start))
		return nil, 0, apperr.E(apperr.KindTransientNetwork, "upstream.do", err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(name, strconv.Itoa(resp.StatusCode), time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, 0, &rejectedError{status: resp.StatusCode, token: tok}
	case isTransientStatus(resp.StatusCode):
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		err := apperr.Errorf(apperr.KindTransientNetwork, "upstream.status", "%s: HTTP %d", name, resp.StatusCode)
		if ra := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ra > 0 {
			err = apperr.WithRetryAfter(err, ra)
		}
		return nil, 0, err
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, 0, &finalError{apperr.Errorf(apperr.KindTransientNetwork, "upstream.status", "%s: HTTP %d: %s", name, resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxPayloadSize+1))
	if err != nil {
		return nil, 0, apperr.E(apperr.KindTransientNetwork, "upstream.read", err)
	}
	if int64(len(body)) > c.cfg.MaxPayloadSize {
		return nil, 0, apperr.Errorf(apperr.KindUpstreamData, "upstream.read", "%s: payload exceeds %d bytes", name, c.cfg.MaxPayloadSize)
	}

	var ttl time.Duration
	if c.cfg.HonorMaxAge {
		ttl = parseMaxAge(resp.Header.Get("Cache-Control"))
	}
	return body, ttl, nil
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// backoff returns the delay before retry n (1-based): exponential from
// RetryBase, capped at RetryMaxDelay, with ±20% jitter. A server hint wins
// when it is larger.
func (c *Client) backoff(retry int, hint time.Duration) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > c.cfg.RetryMaxDelay {
			d = c.cfg.RetryMaxDelay
			break
		}
	}
	c.rngMu.Lock()
	r := (c.rng.Float64()*2 - 1) * 0.2
	c.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	if hint > d {
		d = hint
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// parseMaxAge returns the max-age of a Cache-Control header, or zero.
// no-store and no-cache yield zero as well.
func parseMaxAge(v string) time.Duration {
	var maxAge time.Duration
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch {
		case part == "no-store" || part == "no-cache":
			return 0
		case strings.HasPrefix(part, "max-age="):
			n, err := strconv.Atoi(strings.TrimPrefix(part, "max-age="))
			if err == nil && n > 0 {
				maxAge = time.Duration(n) * time.Second
			}
		}
	}
	return maxAge
}
