// Package credential caches the upstream access token.
//
// A Cache hands out tokens that stay valid beyond a safety margin. Misses
// are resolved from the persisted token row first, then by one shared
// exchange no matter how many callers are waiting.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arpgbot/internal/apperr"
	"arpgbot/internal/observability/metrics"
	"arpgbot/internal/storage"
	logx "arpgbot/pkg/logx"
)

// Token is an access token with its absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Exchanger performs the credential exchange against the upstream.
type Exchanger interface {
	Exchange(ctx context.Context) (Token, error)
}

// ExchangeFunc adapts a function to Exchanger.
type ExchangeFunc func(ctx context.Context) (Token, error)

func (f ExchangeFunc) Exchange(ctx context.Context) (Token, error) { return f(ctx) }

type Config struct {
	// Key names the persisted token row.
	Key string
	// SafetyMargin: a token expiring sooner than this is refreshed.
	SafetyMargin time.Duration
	// FailureBackoff: after a failed exchange, Token fails fast for this long.
	FailureBackoff time.Duration
	// ExchangeTimeout bounds one exchange, independent of any caller.
	ExchangeTimeout time.Duration
}

const (
	DefaultSafetyMargin    = 60 * time.Second
	DefaultFailureBackoff  = 30 * time.Second
	DefaultExchangeTimeout = 20 * time.Second
)

type Cache struct {
	cfg   Config
	ex    Exchanger
	store storage.TokenStore
	log   logx.Logger
	now   func() time.Time

	flight singleflight.Group

	mu        sync.Mutex
	tok       Token
	obtained  time.Time
	rejected  string
	failUntil time.Time
	failErr   error
}

// New builds a Cache. store may be nil, in which case tokens live in memory only.
func New(cfg Config, ex Exchanger, store storage.TokenStore, log logx.Logger) *Cache {
	if cfg.Key == "" {
		cfg.Key = "token:default"
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultFailureBackoff
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	return &Cache{cfg: cfg, ex: ex, store: store, log: log, now: time.Now}
}

// SetClock replaces the time source (tests).
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// margin shrinks for tokens whose whole lifetime is shorter than twice the
// configured margin, so a freshly issued short token is still usable.
func (c *Cache) margin(tok Token, obtained time.Time) time.Duration {
	m := c.cfg.SafetyMargin
	if life := tok.ExpiresAt.Sub(obtained); life > 0 && life < 2*m {
		m = life / 2
	}
	return m
}

func (c *Cache) usable(tok Token, obtained, now time.Time) bool {
	if tok.Value == "" {
		return false
	}
	return tok.ExpiresAt.Sub(now) > c.margin(tok, obtained)
}

// Token returns a usable token, refreshing it when needed.
func (c *Cache) Token(ctx context.Context) (string, error) {
	now := c.now()

	c.mu.Lock()
	if c.usable(c.tok, c.obtained, now) {
		v := c.tok.Value
		c.mu.Unlock()
		return v, nil
	}
	if now.Before(c.failUntil) {
		err := c.failErr
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	ch := c.flight.DoChan(c.cfg.Key, func() (any, error) {
		return c.refresh()
	})
	select {
	case <-ctx.Done():
		return "", apperr.E(apperr.KindAuth, "credential.token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refresh runs inside the single flight. It uses its own context so one
// caller giving up does not fail the others.
func (c *Cache) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExchangeTimeout)
	defer cancel()

	now := c.now()

	// a concurrent flight may have finished between the check and DoChan
	c.mu.Lock()
	if c.usable(c.tok, c.obtained, now) {
		v := c.tok.Value
		c.mu.Unlock()
		return v, nil
	}
	rejected := c.rejected
	c.mu.Unlock()

	if c.store != nil {
		rec, ok, err := c.store.GetToken(ctx, c.cfg.Key)
		switch {
		case err != nil:
			c.log.Warn("persisted token read failed", logx.Err(err))
		case ok && rec.Token != rejected:
			tok := Token{Value: rec.Token, ExpiresAt: rec.ExpiresAt}
			// persisted rows carry no issue time; apply the full margin
			if tok.ExpiresAt.Sub(now) > c.cfg.SafetyMargin {
				c.adopt(tok, now.Add(-2*c.cfg.SafetyMargin))
				metrics.TokenExchanges.WithLabelValues("persisted").Inc()
				c.log.Debug("using persisted token", logx.Time("expires_at", tok.ExpiresAt))
				return tok.Value, nil
			}
		}
	}

	tok, err := c.ex.Exchange(ctx)
	if err == nil && (tok.Value == "" || !tok.ExpiresAt.After(now)) {
		err = errors.New("exchange returned an empty or expired token")
	}
	if err != nil {
		metrics.TokenExchanges.WithLabelValues("failed").Inc()
		aerr := apperr.E(apperr.KindAuth, "credential.exchange", err)
		c.mu.Lock()
		c.failUntil = c.now().Add(c.cfg.FailureBackoff)
		c.failErr = aerr
		c.mu.Unlock()
		c.log.Warn("token exchange failed", logx.Err(err), logx.Duration("backoff", c.cfg.FailureBackoff))
		return "", aerr
	}
	metrics.TokenExchanges.WithLabelValues("ok").Inc()

	c.adopt(tok, now)
	if c.store != nil {
		if err := c.store.PutToken(ctx, c.cfg.Key, storage.TokenRecord{Token: tok.Value, ExpiresAt: tok.ExpiresAt.UTC()}); err != nil {
			// the token is still good for this process
			c.log.Warn("persisting token failed", logx.Err(err))
		}
	}
	c.log.Debug("token refreshed", logx.Time("expires_at", tok.ExpiresAt))
	return tok.Value, nil
}

func (c *Cache) adopt(tok Token, obtained time.Time) {
	c.mu.Lock()
	c.tok = tok
	c.obtained = obtained
	c.failUntil = time.Time{}
	c.failErr = nil
	c.mu.Unlock()
}

// Invalidate drops token if it is the cached one, so the next Token call
// exchanges again. The persisted row holding it is ignored from then on.
func (c *Cache) Invalidate(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = token
	if c.tok.Value == token {
		c.tok = Token{}
		c.obtained = time.Time{}
	}
}

// Snapshot reports the cached expiry for status output. ok is false when no
// token is cached.
func (c *Cache) Snapshot() (expiresAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok.ExpiresAt, c.tok.Value != ""
}
