// Package discord is the OAuth2 client for Discord's v10 API: code
// exchange, refresh, revocation, user info, and entitlement listing.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/open-rails/activitykit/entitlements"
)

// DefaultBaseURL is the production Discord endpoint. Tests point BaseURL
// at an httptest server instead.
const DefaultBaseURL = "https://discord.com"

// Config carries the application credentials. All values are opaque,
// already-validated inputs.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// BotToken authenticates the entitlements API.
	BotToken string
	// BaseURL overrides the Discord origin; empty means DefaultBaseURL.
	BaseURL string
	// Scopes default to {"identify"}.
	Scopes []string
}

// Client talks to Discord. Exchange and refresh ride on oauth2.Config;
// revoke and the resource endpoints are plain HTTP.
type Client struct {
	cfg   Config
	oauth *oauth2.Config
	http  *http.Client
	log   *logrus.Logger
}

// New builds a Client. A nil logger falls back to the standard logger.
func New(cfg Config, log *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"identify"}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.BaseURL + "/oauth2/authorize",
			TokenURL:  cfg.BaseURL + "/api/v10/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	return &Client{
		cfg:   cfg,
		oauth: oc,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   log,
	}
}

// AuthCodeURL builds the authorization URL carrying the given state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// httpCtx routes oauth2's internal requests through our client so the
// timeout applies and tests can intercept.
func (c *Client) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// ExchangeCode trades a one-time authorization code for a token pair.
// Never retried: the code is spent on first use.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenPair, error) {
	tok, err := c.oauth.Exchange(c.httpCtx(ctx), code)
	if err != nil {
		return TokenPair{}, mapTokenError("exchange", err)
	}
	return pairFromToken("exchange", tok)
}

// Refresh trades a refresh token for a new pair. The input token is
// consumed; the caller must persist the returned refresh token before
// discarding the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	src := c.oauth.TokenSource(c.httpCtx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenPair{}, mapTokenError("refresh", err)
	}
	return pairFromToken("refresh", tok)
}

// Revoke invalidates a token at Discord. Best-effort by contract: callers
// clear local state regardless of the outcome here.
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/v10/oauth2/token/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return &ProviderError{Op: "revoke", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Op: "revoke", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
		}).Warn("discord token revocation returned non-success")
		return &ProviderError{Op: "revoke", Status: resp.StatusCode}
	}
	return nil
}

// FetchUser loads the authenticated user's profile.
func (c *Client) FetchUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/api/v10/users/@me", nil)
	if err != nil {
		return nil, &ProviderError{Op: "user info", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	var out User
	if err := c.doJSON(req, "user info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchEntitlements lists the user's entitlements for this application,
// including ended ones so reconciliation sees the full set. Deleted
// records are dropped here; the reconciler treats absence as withdrawal.
func (c *Client) FetchEntitlements(ctx context.Context, userID int64) ([]entitlements.Record, error) {
	endpoint := fmt.Sprintf("%s/api/v10/applications/%s/entitlements?user_id=%d&exclude_ended=false",
		c.cfg.BaseURL, c.cfg.ClientID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ProviderError{Op: "entitlements", Err: err}
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.BotToken)
	var payload []entitlementPayload
	if err := c.doJSON(req, "entitlements", &payload); err != nil {
		return nil, err
	}

	records := make([]entitlements.Record, 0, len(payload))
	for _, e := range payload {
		if e.Deleted {
			continue
		}
		id, err := strconv.ParseInt(e.ID, 10, 64)
		if err != nil {
			c.log.WithField("entitlement_id", e.ID).Warn("skipping entitlement with unparsable id")
			continue
		}
		sku, err := strconv.ParseInt(e.SKUID, 10, 64)
		if err != nil {
			c.log.WithField("sku_id", e.SKUID).Warn("skipping entitlement with unparsable sku id")
			continue
		}
		records = append(records, entitlements.Record{
			ID:       id,
			UserID:   userID,
			SKUID:    sku,
			Type:     e.Type,
			Consumed: e.Consumed,
			StartsAt: e.StartsAt,
			EndsAt:   e.EndsAt,
		})
	}
	return records, nil
}

func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &ProviderError{Op: op, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func pairFromToken(op string, tok *oauth2.Token) (TokenPair, error) {
	if tok.RefreshToken == "" {
		return TokenPair{}, &ProviderError{Op: op, Err: fmt.Errorf("response missing refresh_token")}
	}
	expires := tok.Expiry
	if expires.IsZero() {
		// A token pair without an expiry would violate the stored-token
		// invariant downstream; treat it as a provider fault.
		return TokenPair{}, &ProviderError{Op: op, Err: fmt.Errorf("response missing expiry")}
	}
	return TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expires,
	}, nil
}
