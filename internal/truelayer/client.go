// Package truelayer is the transaction feed client. It talks to the
// TrueLayer data API and owns OAuth token persistence and refresh; callers
// never see tokens, only accounts and transactions.
package truelayer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"notion-bank-sync/internal/config"
	"notion-bank-sync/internal/domain"
)

// Scopes requested from TrueLayer. offline_access yields a refresh token.
var Scopes = []string{"info", "accounts", "balance", "transactions", "offline_access"}

const accessTokenKey = "access_token"

// ErrNotAuthenticated is returned when no usable token exists; the OAuth
// flow has to be completed first.
var ErrNotAuthenticated = fmt.Errorf("truelayer: not authenticated, complete the OAuth flow first")

// Client fetches accounts and transactions from the feed.
type Client struct {
	cfg        config.TrueLayerConfig
	oauth      *oauth2.Config
	httpc      *http.Client
	tokensPath string
	tokens     *cache.Cache
	log        zerolog.Logger
}

// NewClient builds a feed client persisting tokens at tokensPath.
func NewClient(cfg config.TrueLayerConfig, tokensPath string, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthBase,
				TokenURL: cfg.AuthBase + "/connect/token",
			},
		},
		httpc:      &http.Client{Timeout: 30 * time.Second},
		tokensPath: tokensPath,
		tokens:     cache.New(cache.DefaultExpiration, 10*time.Minute),
		log:        log,
	}
}

// AuthURL returns the browser URL that starts the authorization flow.
func (c *Client) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("providers", c.cfg.Provider),
		oauth2.SetAuthURLParam("enable_mock", "false"),
		oauth2.SetAuthURLParam("nonce", strconv.FormatInt(time.Now().Unix(), 10)),
	)
}

// ExchangeCode trades an authorization code for tokens and persists them.
func (c *Client) ExchangeCode(ctx context.Context, code string) error {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("ExchangeCode: %w", err)
	}
	if err := c.saveToken(tok); err != nil {
		return fmt.Errorf("ExchangeCode: %w", err)
	}
	c.cacheToken(tok)
	c.log.Info().Msg("Authorized with the transaction feed")
	return nil
}

// accessToken returns a valid access token, refreshing via the stored
// refresh token when the cached one has expired.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.Get(accessTokenKey); ok {
		return tok.(string), nil
	}

	stored, err := c.loadToken()
	if err != nil {
		return "", err
	}
	if stored.RefreshToken == "" {
		return "", ErrNotAuthenticated
	}

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing access token: %w", err)
	}
	if err := c.saveToken(tok); err != nil {
		c.log.Warn().Err(err).Msg("Could not persist refreshed token")
	}
	c.cacheToken(tok)
	return tok.AccessToken, nil
}

func (c *Client) cacheToken(tok *oauth2.Token) {
	ttl := time.Until(tok.Expiry) - time.Minute
	if tok.Expiry.IsZero() || ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.tokens.Set(accessTokenKey, tok.AccessToken, ttl)
}

// storedToken is the token file shape, matching the raw OAuth response.
type storedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
}

func (c *Client) loadToken() (*storedToken, error) {
	data, err := os.ReadFile(c.tokensPath)
	if os.IsNotExist(err) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}
	var tok storedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", c.tokensPath, err)
	}
	return &tok, nil
}

func (c *Client) saveToken(tok *oauth2.Token) error {
	stored := storedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		stored.Expiry = tok.Expiry.Format(time.RFC3339)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.tokensPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.tokensPath, data, 0o600)
}

// ListAccounts fetches all feed accounts.
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var out struct {
		Results []domain.Account `json:"results"`
	}
	if err := c.get(ctx, "/data/v1/accounts", &out); err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	return out.Results, nil
}

// ListTransactions fetches the transactions of one account in feed-delivery
// order.
func (c *Client) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	path := "/data/v1/accounts/" + url.PathEscape(accountID) + "/transactions"
	var out struct {
		Results []domain.Transaction `json:"results"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("ListTransactions %s: %w", accountID, err)
	}
	return out.Results, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
