package core_test

import (
	"context"
	"crypto/rand"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/open-rails/activitykit/core"
	"github.com/open-rails/activitykit/discord"
	"github.com/open-rails/activitykit/entitlements"
	"github.com/open-rails/activitykit/session"
	"github.com/open-rails/activitykit/storage"
	memorystore "github.com/open-rails/activitykit/storage/memory"
	fake "github.com/open-rails/activitykit/testing"
	"github.com/open-rails/activitykit/vault"
)

type fixture struct {
	svc    *core.Service
	fake   *fake.FakeDiscord
	store  *memorystore.Store
	vault  *vault.Vault
	issuer *session.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := fake.NewFakeDiscord()
	t.Cleanup(f.Close)

	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	issuer, err := session.NewIssuer([]byte("test-signing-secret"), time.Hour)
	if err != nil {
		t.Fatalf("session.NewIssuer: %v", err)
	}

	policy := entitlements.Policy{PremiumSKU: 500}
	store := memorystore.New(policy)
	states := memorystore.NewStateCache(time.Minute)
	t.Cleanup(func() { states.Close() })

	client := discord.New(discord.Config{
		ClientID:     "app-1",
		ClientSecret: "secret",
		RedirectURI:  "https://example.com/callback",
		BotToken:     "bot-token",
		BaseURL:      f.URL(),
	}, nil)

	svc, err := core.New(core.Options{
		Storage:  store,
		Vault:    v,
		Provider: client,
		Sessions: issuer,
		States:   states,
		Policy:   policy,
	})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return &fixture{svc: svc, fake: f, store: store, vault: v, issuer: issuer}
}

func (fx *fixture) seedLogin(t *testing.T) *core.Session {
	t.Helper()
	fx.fake.AddUser(fake.FakeUser{ID: "42", Username: "tester"})
	fx.fake.AddCode("abc123", "42")
	sess, err := fx.svc.ExchangeCode(context.Background(), "abc123", "")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	return sess
}

func TestExchangeCode(t *testing.T) {
	fx := newFixture(t)
	ends := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	fx.fake.SetEntitlements("42", []fake.FakeEntitlement{
		{ID: "100", SKUID: "500", EndsAt: &ends},
	})

	sess := fx.seedLogin(t)

	claims, err := fx.issuer.Validate(sess.Token)
	if err != nil {
		t.Fatalf("minted credential does not validate: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "tester" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if sess.DiscordAccessToken == "" {
		t.Fatal("session missing provider access token")
	}

	u, err := fx.store.GetUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.RefreshToken == nil || u.TokenExpiresAt == nil {
		t.Fatalf("token pair not persisted: %+v", u)
	}
	// Stored blob must be sealed, not the raw provider token.
	raw, err := fx.vault.Decrypt(*u.RefreshToken)
	if err != nil {
		t.Fatalf("stored blob does not decrypt: %v", err)
	}
	if raw == *u.RefreshToken {
		t.Fatal("refresh token stored in the clear")
	}
	if u.SubscriptionTier != entitlements.TierPremium {
		t.Fatalf("entitlements not reconciled at exchange, tier %q", u.SubscriptionTier)
	}
}

func TestExchangeCodeInvalid(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.ExchangeCode(context.Background(), "bogus", "")
	if !errors.Is(err, discord.ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant, got %v", err)
	}
	if _, err := fx.store.GetUser(context.Background(), 42); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("failed exchange must not create a user")
	}
}

func TestExchangeSurvivesEntitlementFetchFailure(t *testing.T) {
	fx := newFixture(t)
	fx.fake.SetEntitlementsDown(true)

	// The sync at exchange time is best-effort; a broken entitlements
	// endpoint must not block authentication.
	sess := fx.seedLogin(t)
	if sess.User.SubscriptionTier != entitlements.TierFree {
		t.Fatalf("expected free tier, got %q", sess.User.SubscriptionTier)
	}

	fx.fake.SetEntitlementsDown(false)
	ends := time.Now().Add(time.Hour).UTC()
	fx.fake.SetEntitlements("42", []fake.FakeEntitlement{{ID: "100", SKUID: "500", EndsAt: &ends}})
	if err := fx.svc.SyncEntitlements(context.Background(), 42); err != nil {
		t.Fatalf("SyncEntitlements after recovery: %v", err)
	}
	u, _ := fx.store.GetUser(context.Background(), 42)
	if u.SubscriptionTier != entitlements.TierPremium {
		t.Fatalf("recovery sync did not apply, tier %q", u.SubscriptionTier)
	}
}

func TestLoginStateFlow(t *testing.T) {
	fx := newFixture(t)
	fx.fake.AddUser(fake.FakeUser{ID: "42", Username: "tester"})
	fx.fake.AddCode("abc123", "42")

	loginURL, err := fx.svc.LoginURL(context.Background())
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatalf("login url carries no state: %s", loginURL)
	}

	if _, err := fx.svc.ExchangeCode(context.Background(), "abc123", state); err != nil {
		t.Fatalf("exchange with minted state: %v", err)
	}

	// States are single use.
	fx.fake.AddCode("second", "42")
	if _, err := fx.svc.ExchangeCode(context.Background(), "second", state); !errors.Is(err, core.ErrStateNotFound) {
		t.Fatalf("reused state: expected ErrStateNotFound, got %v", err)
	}
	if _, err := fx.svc.ExchangeCode(context.Background(), "second", "never-issued"); !errors.Is(err, core.ErrStateNotFound) {
		t.Fatalf("unknown state: expected ErrStateNotFound, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)
	before, _ := fx.store.GetUser(context.Background(), 42)

	sess, err := fx.svc.Refresh(context.Background(), 42)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := fx.issuer.Validate(sess.Token); err != nil {
		t.Fatalf("refreshed credential does not validate: %v", err)
	}
	after, _ := fx.store.GetUser(context.Background(), 42)
	if *after.RefreshToken == *before.RefreshToken {
		t.Fatal("stored blob must rotate on refresh")
	}
	if fx.fake.RefreshCalls() != 1 {
		t.Fatalf("expected 1 provider refresh, got %d", fx.fake.RefreshCalls())
	}
}

func TestRefreshWithoutToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)
	if err := fx.svc.Logout(context.Background(), 42); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := fx.svc.Refresh(context.Background(), 42)
	if !errors.Is(err, session.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

// gatedProvider delays Refresh until released so concurrent callers are
// guaranteed to pile onto one in-flight refresh.
type gatedProvider struct {
	core.Provider
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedProvider) Refresh(ctx context.Context, refreshToken string) (discord.TokenPair, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Provider.Refresh(ctx, refreshToken)
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)

	gate := &gatedProvider{
		Provider: discord.New(discord.Config{
			ClientID:     "app-1",
			ClientSecret: "secret",
			RedirectURI:  "https://example.com/callback",
			BotToken:     "bot-token",
			BaseURL:      fx.fake.URL(),
		}, nil),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc, err := core.New(core.Options{
		Storage:  fx.store,
		Vault:    fx.vault,
		Provider: gate,
		Sessions: fx.issuer,
		Policy:   entitlements.Policy{PremiumSKU: 500},
	})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := svc.Refresh(context.Background(), 42)
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = sess.Token
		}(i)
	}

	// Wait for the winner to reach the provider, give the rest time to
	// queue on the in-flight call, then let it finish.
	<-gate.entered
	time.Sleep(100 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("refresh %d failed: %v", i, err)
		}
	}
	// Every caller observed the winner's result; exactly one single-use
	// refresh token was spent at the provider.
	if calls := fx.fake.RefreshCalls(); calls != 1 {
		t.Fatalf("expected 1 provider refresh for %d concurrent callers, got %d", n, calls)
	}
	for i := 1; i < n; i++ {
		if tokens[i] != tokens[0] {
			t.Fatal("concurrent callers received different sessions")
		}
	}
}

func TestRefreshInvalidGrantClearsTokens(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)
	fx.fake.ExpireUserTokens("42")

	_, err := fx.svc.Refresh(context.Background(), 42)
	if !errors.Is(err, discord.ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant, got %v", err)
	}
	u, _ := fx.store.GetUser(context.Background(), 42)
	if u.RefreshToken != nil || u.TokenExpiresAt != nil {
		t.Fatal("dead grant must clear stored tokens")
	}
	// Re-exchange recovers the account.
	fx.fake.AddCode("again", "42")
	if _, err := fx.svc.ExchangeCode(context.Background(), "again", ""); err != nil {
		t.Fatalf("re-exchange after invalid_grant: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)

	if err := fx.svc.Revoke(context.Background(), 42); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := fx.fake.RevokedTokens(); len(got) != 1 {
		t.Fatalf("expected one provider-side revocation, got %v", got)
	}
	u, err := fx.store.GetUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("user must survive revoke: %v", err)
	}
	if u.RefreshToken != nil {
		t.Fatal("tokens not cleared after revoke")
	}
}

func TestRevokeUnknownUser(t *testing.T) {
	fx := newFixture(t)
	if err := fx.svc.Revoke(context.Background(), 999); err != nil {
		t.Fatalf("revoking an unknown user must be a no-op, got %v", err)
	}
}

func TestLogoutSkipsProvider(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)

	if err := fx.svc.Logout(context.Background(), 42); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := fx.fake.RevokedTokens(); len(got) != 0 {
		t.Fatalf("logout must not touch the provider, got revocations %v", got)
	}
	u, _ := fx.store.GetUser(context.Background(), 42)
	if u.RefreshToken != nil {
		t.Fatal("tokens not cleared after logout")
	}
}

func TestSyncEntitlementsFlipsTier(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)

	u, _ := fx.store.GetUser(context.Background(), 42)
	if u.SubscriptionTier != entitlements.TierFree {
		t.Fatalf("expected free before grant, got %q", u.SubscriptionTier)
	}

	ends := time.Now().Add(time.Hour).UTC()
	fx.fake.SetEntitlements("42", []fake.FakeEntitlement{
		{ID: "100", SKUID: "500", EndsAt: &ends},
	})
	if err := fx.svc.SyncEntitlements(context.Background(), 42); err != nil {
		t.Fatalf("SyncEntitlements: %v", err)
	}
	u, _ = fx.store.GetUser(context.Background(), 42)
	if u.SubscriptionTier != entitlements.TierPremium {
		t.Fatalf("expected premium after grant, got %q", u.SubscriptionTier)
	}

	// The provider withdrew the grant.
	fx.fake.SetEntitlements("42", nil)
	if err := fx.svc.SyncEntitlements(context.Background(), 42); err != nil {
		t.Fatalf("SyncEntitlements: %v", err)
	}
	u, _ = fx.store.GetUser(context.Background(), 42)
	if u.SubscriptionTier != entitlements.TierFree {
		t.Fatalf("expected free after withdrawal, got %q", u.SubscriptionTier)
	}
}

func TestCurrentUser(t *testing.T) {
	fx := newFixture(t)
	fx.seedLogin(t)
	u, err := fx.svc.CurrentUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if u.Username != "tester" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := fx.svc.CurrentUser(context.Background(), 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
