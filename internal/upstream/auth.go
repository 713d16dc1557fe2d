package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"arpgbot/internal/apperr"
	"arpgbot/internal/credential"
)

type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// DefaultTTL applies when the response carries no expiry.
	DefaultTTL time.Duration
	UserAgent  string
}

// Exchanger trades client credentials for an access token.
type Exchanger struct {
	cfg  AuthConfig
	http *http.Client
	now  func() time.Time
}

// NewExchanger builds an Exchanger. hc may be nil.
func NewExchanger(cfg AuthConfig, hc *http.Client) (*Exchanger, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errors.New("upstream: token url is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "arpgbot"
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Exchanger{cfg: cfg, http: hc, now: time.Now}, nil
}

// Key names the persisted token row of this exchanger.
func (e *Exchanger) Key() string { return "token:" + e.cfg.TokenURL }

// Exchange implements credential.Exchanger.
func (e *Exchanger) Exchange(ctx context.Context) (credential.Token, error) {
	const op = "upstream.exchange"
	if e.cfg.ClientID == "" || e.cfg.ClientSecret == "" {
		return credential.Token{}, apperr.Errorf(apperr.KindAuth, op, "client id and secret are required")
	}

	payload, err := json.Marshal(map[string]string{
		"clientId":     e.cfg.ClientID,
		"clientSecret": e.cfg.ClientSecret,
	})
	if err != nil {
		return credential.Token{}, apperr.E(apperr.KindAuth, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return credential.Token{}, apperr.E(apperr.KindAuth, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.http.Do(req)
	if err != nil {
		return credential.Token{}, apperr.E(apperr.KindAuth, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return credential.Token{}, apperr.E(apperr.KindAuth, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return credential.Token{}, apperr.Errorf(apperr.KindAuth, op, "HTTP %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	}

	tok, exp, err := parseToken(body, e.now(), e.cfg.DefaultTTL)
	if err != nil {
		return credential.Token{}, apperr.E(apperr.KindAuth, op, fmt.Errorf("decode: %w", err))
	}
	return credential.Token{Value: tok, ExpiresAt: exp}, nil
}
