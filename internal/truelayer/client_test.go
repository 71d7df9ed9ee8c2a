package truelayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notion-bank-sync/internal/config"
	"notion-bank-sync/internal/logger"
)

// newFeedServer serves the token endpoint and the data API from one address.
func newFeedServer(t *testing.T, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-456"}`))
	})
	mux.HandleFunc("/data/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"results":[
			{"account_id":"acc-1","display_name":"Current","account_type":"TRANSACTION","currency":"USD"},
			{"account_id":"acc-2","display_name":"Savings","account_type":"SAVINGS","currency":"EUR"}
		]}`))
	})
	mux.HandleFunc("/data/v1/accounts/acc-1/transactions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"transaction_id":"tx-1","amount":-4.50,"currency":"USD","description":"Coffee shop","timestamp":"2025-03-10T09:30:00Z"},
			{"transaction_id":"tx-2","amount":2500,"currency":"USD","description":"Salary March","timestamp":"2025-03-01T08:00:00Z"}
		]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srvURL string) (*Client, string) {
	t.Helper()
	tokensPath := filepath.Join(t.TempDir(), "tokens.json")
	cfg := config.TrueLayerConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:8000/callback",
		Provider:     "uk-ob-revolut",
		AuthBase:     srvURL,
		APIBase:      srvURL,
	}
	return NewClient(cfg, tokensPath, logger.NewNop()), tokensPath
}

func seedRefreshToken(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":"rt-456"}`), 0o600))
}

func TestAuthURL(t *testing.T) {
	c, _ := newTestClient(t, "https://auth.example.com")

	raw := c.AuthURL("state-1")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8000/callback", q.Get("redirect_uri"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "uk-ob-revolut", q.Get("providers"))
	assert.Equal(t, "false", q.Get("enable_mock"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Contains(t, q.Get("scope"), "transactions")
	assert.Contains(t, q.Get("scope"), "offline_access")
}

func TestListAccounts(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newFeedServer(t, &tokenCalls)
	c, tokensPath := newTestClient(t, srv.URL)
	seedRefreshToken(t, tokensPath)

	accounts, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acc-1", accounts[0].ID)
	assert.Equal(t, "Current", accounts[0].DisplayName)
	assert.Equal(t, "USD", accounts[0].Currency)
	assert.Equal(t, "EUR", accounts[1].Currency)
}

func TestListTransactions(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newFeedServer(t, &tokenCalls)
	c, tokensPath := newTestClient(t, srv.URL)
	seedRefreshToken(t, tokensPath)

	txns, err := c.ListTransactions(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "tx-1", txns[0].ID)
	assert.Equal(t, "-4.5", txns[0].Amount.String())
	assert.Equal(t, "Coffee shop", txns[0].Description)
	assert.Equal(t, "tx-2", txns[1].ID)
	assert.True(t, txns[1].Amount.IsPositive())
}

func TestAccessTokenIsMemoized(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newFeedServer(t, &tokenCalls)
	c, tokensPath := newTestClient(t, srv.URL)
	seedRefreshToken(t, tokensPath)

	_, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	_, err = c.ListTransactions(context.Background(), "acc-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), tokenCalls.Load(), "one refresh serves consecutive calls")
}

func TestRefreshedTokenIsPersisted(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newFeedServer(t, &tokenCalls)
	c, tokensPath := newTestClient(t, srv.URL)
	seedRefreshToken(t, tokensPath)

	_, err := c.ListAccounts(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(tokensPath)
	require.NoError(t, err)
	var stored storedToken
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "at-123", stored.AccessToken)
	assert.Equal(t, "rt-456", stored.RefreshToken)
}

func TestNotAuthenticated(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newFeedServer(t, &tokenCalls)
	c, _ := newTestClient(t, srv.URL)

	_, err := c.ListAccounts(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, tokenCalls.Load())
}

func TestExchangeCodePersistsTokens(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newFeedServer(t, &tokenCalls)
	c, tokensPath := newTestClient(t, srv.URL)

	require.NoError(t, c.ExchangeCode(context.Background(), "auth-code"))

	data, err := os.ReadFile(tokensPath)
	require.NoError(t, err)
	var stored storedToken
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "at-123", stored.AccessToken)
	assert.Equal(t, "rt-456", stored.RefreshToken)

	// The exchanged token is cached; data calls need no refresh.
	_, err = c.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load())
}
