package discord_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-rails/activitykit/discord"
	fake "github.com/open-rails/activitykit/testing"
)

func newTestClient(t *testing.T) (*discord.Client, *fake.FakeDiscord) {
	t.Helper()
	f := fake.NewFakeDiscord()
	t.Cleanup(f.Close)
	c := discord.New(discord.Config{
		ClientID:     "app-1",
		ClientSecret: "secret",
		RedirectURI:  "https://example.com/callback",
		BotToken:     "bot-token",
		BaseURL:      f.URL(),
	}, nil)
	return c, f
}

func TestExchangeCode(t *testing.T) {
	c, f := newTestClient(t)
	f.AddUser(fake.FakeUser{ID: "42", Username: "tester"})
	f.AddCode("abc123", "42")

	pair, err := c.ExchangeCode(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}
	if !pair.ExpiresAt.After(time.Now()) {
		t.Fatalf("expiry not in the future: %v", pair.ExpiresAt)
	}

	// Codes are single use.
	if _, err := c.ExchangeCode(context.Background(), "abc123"); !errors.Is(err, discord.ErrInvalidGrant) {
		t.Fatalf("reused code: expected ErrInvalidGrant, got %v", err)
	}
}

func TestExchangeCodeInvalid(t *testing.T) {
	c, _ := newTestClient(t)
	if _, err := c.ExchangeCode(context.Background(), "nope"); !errors.Is(err, discord.ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant, got %v", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	c, f := newTestClient(t)
	f.SeedRefreshToken("rt-old", "42")

	pair, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == "rt-old" {
		t.Fatal("refresh token did not rotate")
	}
	if f.RefreshCalls() != 1 {
		t.Fatalf("expected 1 refresh call, got %d", f.RefreshCalls())
	}

	// The old token is consumed.
	if _, err := c.Refresh(context.Background(), "rt-old"); !errors.Is(err, discord.ErrInvalidGrant) {
		t.Fatalf("consumed token: expected ErrInvalidGrant, got %v", err)
	}
	// The rotated one works.
	if _, err := c.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("rotated token refresh: %v", err)
	}
}

func TestRefreshProviderDown(t *testing.T) {
	c, f := newTestClient(t)
	f.SeedRefreshToken("rt-1", "42")
	f.SetTokenEndpointDown(true)

	_, err := c.Refresh(context.Background(), "rt-1")
	var pe *discord.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if errors.Is(err, discord.ErrInvalidGrant) {
		t.Fatal("a 5xx must not be classified as invalid_grant")
	}
}

func TestRevoke(t *testing.T) {
	c, f := newTestClient(t)
	f.SeedRefreshToken("rt-1", "42")

	if err := c.Revoke(context.Background(), "rt-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got := f.RevokedTokens()
	if len(got) != 1 || got[0] != "rt-1" {
		t.Fatalf("revocation not recorded: %v", got)
	}
}

func TestFetchUser(t *testing.T) {
	c, f := newTestClient(t)
	avatar := "a_animated"
	f.AddUser(fake.FakeUser{ID: "42", Username: "tester", Avatar: &avatar})
	f.AddCode("abc123", "42")

	pair, err := c.ExchangeCode(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	u, err := c.FetchUser(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("FetchUser: %v", err)
	}
	if u.ID != "42" || u.Username != "tester" {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := c.FetchUser(context.Background(), "bogus"); err == nil {
		t.Fatal("expected error for unknown access token")
	}
}

func TestFetchEntitlements(t *testing.T) {
	c, f := newTestClient(t)
	ends := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f.SetEntitlements("42", []fake.FakeEntitlement{
		{ID: "100", SKUID: "500", Type: 8, EndsAt: &ends},
		{ID: "101", SKUID: "500", Deleted: true},
		{ID: "bad-id", SKUID: "500"},
	})

	recs, err := c.FetchEntitlements(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchEntitlements: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("deleted and unparsable records must be dropped, got %+v", recs)
	}
	r := recs[0]
	if r.ID != 100 || r.SKUID != 500 || r.UserID != 42 || r.Type != 8 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.EndsAt == nil || !r.EndsAt.Equal(ends) {
		t.Fatalf("expected ends_at %v, got %v", ends, r.EndsAt)
	}
}
