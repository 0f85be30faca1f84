// Package testing provides a fake Discord server for integration tests.
// It implements the token, revocation, user, and entitlement endpoints
// the client touches, with programmable codes and failure modes.
//
// Example usage:
//
//	fake := testing.NewFakeDiscord()
//	defer fake.Close()
//
//	fake.AddUser(testing.FakeUser{ID: "42", Username: "tester"})
//	fake.AddCode("abc123", "42")
//
//	client := discord.New(discord.Config{BaseURL: fake.URL(), ...}, nil)
package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// FakeUser is the profile served from /users/@me.
type FakeUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Avatar        *string `json:"avatar"`
	GlobalName    *string `json:"global_name"`
	Discriminator *string `json:"discriminator"`
}

// FakeEntitlement is one element of the entitlements listing.
type FakeEntitlement struct {
	ID       string     `json:"id"`
	SKUID    string     `json:"sku_id"`
	Type     int        `json:"type"`
	Deleted  bool       `json:"deleted"`
	Consumed bool       `json:"consumed"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}

// FakeDiscord runs an httptest server emulating the Discord v10 API.
// All mutators are safe for concurrent use.
type FakeDiscord struct {
	server *httptest.Server

	mu  sync.Mutex
	seq int

	// codes maps auth codes to user ids; refresh and access map live
	// tokens to user ids.
	codes        map[string]string
	refresh      map[string]string
	access       map[string]string
	users        map[string]FakeUser
	entitlements map[string][]FakeEntitlement

	revoked          []string
	refreshCalls     int
	tokenDown        bool
	entitlementsDown bool
}

// NewFakeDiscord starts the server. Call Close when done.
func NewFakeDiscord() *FakeDiscord {
	f := &FakeDiscord{
		codes:        make(map[string]string),
		refresh:      make(map[string]string),
		access:       make(map[string]string),
		users:        make(map[string]FakeUser),
		entitlements: make(map[string][]FakeEntitlement),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v10/oauth2/token", f.handleToken)
	mux.HandleFunc("/api/v10/oauth2/token/revoke", f.handleRevoke)
	mux.HandleFunc("/api/v10/users/@me", f.handleMe)
	mux.HandleFunc("/api/v10/applications/", f.handleEntitlements)
	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the server origin, for use as the client's BaseURL.
func (f *FakeDiscord) URL() string { return f.server.URL }

// Close shuts down the server.
func (f *FakeDiscord) Close() { f.server.Close() }

// AddUser registers a profile. Exchange and refresh only succeed for
// registered users.
func (f *FakeDiscord) AddUser(u FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// AddCode registers a single-use authorization code for the given user.
func (f *FakeDiscord) AddCode(code, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = userID
}

// SeedRefreshToken registers a live refresh token without an exchange.
func (f *FakeDiscord) SeedRefreshToken(token, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[token] = userID
}

// ExpireRefreshToken invalidates a live refresh token; the next refresh
// with it fails with invalid_grant.
func (f *FakeDiscord) ExpireRefreshToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, token)
}

// ExpireUserTokens invalidates every live refresh token for a user, as if
// the grant had been revoked out-of-band.
func (f *FakeDiscord) ExpireUserTokens(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, uid := range f.refresh {
		if uid == userID {
			delete(f.refresh, tok)
		}
	}
}

// SetEntitlements replaces the entitlement listing for a user.
func (f *FakeDiscord) SetEntitlements(userID string, ents []FakeEntitlement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entitlements[userID] = ents
}

// SetTokenEndpointDown makes the token endpoint answer 500 until reset.
func (f *FakeDiscord) SetTokenEndpointDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenDown = down
}

// SetEntitlementsDown makes the entitlements endpoint answer 500 until
// reset.
func (f *FakeDiscord) SetEntitlementsDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entitlementsDown = down
}

// RefreshCalls reports how many refresh grants the server has processed.
func (f *FakeDiscord) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// RevokedTokens returns every token passed to the revocation endpoint.
func (f *FakeDiscord) RevokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.revoked))
	copy(out, f.revoked)
	return out
}

func (f *FakeDiscord) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tokenDown {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var userID string
	switch r.FormValue("grant_type") {
	case "authorization_code":
		code := r.FormValue("code")
		uid, ok := f.codes[code]
		if !ok {
			oauthError(w, "invalid_grant")
			return
		}
		delete(f.codes, code) // codes are single use
		userID = uid
	case "refresh_token":
		f.refreshCalls++
		rt := r.FormValue("refresh_token")
		uid, ok := f.refresh[rt]
		if !ok {
			oauthError(w, "invalid_grant")
			return
		}
		delete(f.refresh, rt) // rotation consumes the old token
		userID = uid
	default:
		oauthError(w, "unsupported_grant_type")
		return
	}

	f.seq++
	at := fmt.Sprintf("access-%d", f.seq)
	rt := fmt.Sprintf("refresh-%d", f.seq)
	f.access[at] = userID
	f.refresh[rt] = userID

	writeJSON(w, map[string]any{
		"access_token":  at,
		"token_type":    "Bearer",
		"expires_in":    604800,
		"refresh_token": rt,
		"scope":         "identify",
	})
}

func (f *FakeDiscord) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := r.FormValue("token")
	f.revoked = append(f.revoked, tok)
	delete(f.refresh, tok)
	delete(f.access, tok)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeDiscord) handleMe(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	uid, ok := f.access[at]
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	u, ok := f.users[uid]
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}

func (f *FakeDiscord) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bot ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entitlementsDown {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	uid := r.URL.Query().Get("user_id")
	ents := f.entitlements[uid]
	if ents == nil {
		ents = []FakeEntitlement{}
	}
	writeJSON(w, ents)
}

func oauthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
