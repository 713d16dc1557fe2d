package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arpgbot/internal/apperr"
)

func TestExchange(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ex, err := NewExchanger(AuthConfig{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, srv.Client())
	require.NoError(t, err)
	ex.now = func() time.Time { return now }

	tok, err := ex.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Value)
	assert.True(t, tok.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, map[string]string{"clientId": "id", "clientSecret": "secret"}, got)
	assert.Equal(t, "token:"+srv.URL, ex.Key())
}

func TestExchangeFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ex, err := NewExchanger(AuthConfig{TokenURL: srv.URL, ClientID: "id", ClientSecret: "nope"}, srv.Client())
	require.NoError(t, err)

	_, err = ex.Exchange(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Auth))
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestExchangeNeedsCredentials(t *testing.T) {
	t.Parallel()

	ex, err := NewExchanger(AuthConfig{TokenURL: "http://127.0.0.1:1/token"}, nil)
	require.NoError(t, err)
	_, err = ex.Exchange(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Auth))

	_, err = NewExchanger(AuthConfig{}, nil)
	require.Error(t, err)
}
