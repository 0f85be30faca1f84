// Package storagetest holds the contract suite every storage.Backend
// implementation must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/open-rails/activitykit/entitlements"
	"github.com/open-rails/activitykit/storage"
)

// Factory builds a fresh, empty backend for one subtest.
type Factory func(t *testing.T, policy entitlements.Policy) storage.Backend

// Run exercises the full Backend contract against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetUserNotFound", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		if _, err := be.GetUser(context.Background(), 999); err != storage.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpsertUserCreateThenGet", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		ctx := context.Background()
		exp := time.Now().Add(time.Hour).UTC()
		seedUser(t, be, storage.UpsertUserParams{
			UserID:         42,
			Username:       "tester",
			GlobalName:     strptr("Tester"),
			AvatarURL:      strptr("https://cdn.example/a.png"),
			RefreshToken:   strptr("blob-1"),
			TokenExpiresAt: &exp,
		})

		u, err := be.GetUser(ctx, 42)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Username != "tester" || u.GlobalName == nil || *u.GlobalName != "Tester" {
			t.Fatalf("unexpected profile: %+v", u)
		}
		if u.RefreshToken == nil || *u.RefreshToken != "blob-1" {
			t.Fatalf("refresh token not stored: %+v", u.RefreshToken)
		}
		if u.TokenExpiresAt == nil || !u.TokenExpiresAt.Equal(exp) {
			t.Fatalf("token expiry not stored: %v", u.TokenExpiresAt)
		}
		if u.SubscriptionTier != entitlements.TierFree {
			t.Fatalf("new user should be free tier, got %q", u.SubscriptionTier)
		}
		if u.CreatedAt.IsZero() || u.UpdatedAt.IsZero() {
			t.Fatal("timestamps not set")
		}
	})

	t.Run("UpsertUserNilTokenPreservesStored", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		ctx := context.Background()
		exp := time.Now().Add(time.Hour).UTC()
		seedUser(t, be, storage.UpsertUserParams{
			UserID: 42, Username: "tester",
			RefreshToken: strptr("blob-1"), TokenExpiresAt: &exp,
		})

		// Profile-only update; token fields stay untouched.
		seedUser(t, be, storage.UpsertUserParams{UserID: 42, Username: "renamed"})

		u, err := be.GetUser(ctx, 42)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Username != "renamed" {
			t.Fatalf("username not updated: %q", u.Username)
		}
		if u.RefreshToken == nil || *u.RefreshToken != "blob-1" {
			t.Fatal("nil token field must preserve the stored blob")
		}
		if u.TokenExpiresAt == nil || !u.TokenExpiresAt.Equal(exp) {
			t.Fatal("nil expiry field must preserve the stored expiry")
		}
	})

	t.Run("UpdateRefreshToken", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		ctx := context.Background()
		exp := time.Now().Add(time.Hour).UTC()
		seedUser(t, be, storage.UpsertUserParams{
			UserID: 42, Username: "tester",
			RefreshToken: strptr("blob-1"), TokenExpiresAt: &exp,
		})

		exp2 := exp.Add(time.Hour)
		if err := be.UpdateRefreshToken(ctx, 42, "blob-2", exp2); err != nil {
			t.Fatalf("UpdateRefreshToken: %v", err)
		}
		u, _ := be.GetUser(ctx, 42)
		if *u.RefreshToken != "blob-2" || !u.TokenExpiresAt.Equal(exp2) {
			t.Fatalf("token not rotated: %+v", u)
		}

		if err := be.UpdateRefreshToken(ctx, 999, "blob", exp2); err != storage.ErrNotFound {
			t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
		}
	})

	t.Run("ClearTokensKeepsUser", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		ctx := context.Background()
		exp := time.Now().Add(time.Hour).UTC()
		seedUser(t, be, storage.UpsertUserParams{
			UserID: 42, Username: "tester",
			RefreshToken: strptr("blob-1"), TokenExpiresAt: &exp,
		})

		if err := be.ClearTokens(ctx, 42); err != nil {
			t.Fatalf("ClearTokens: %v", err)
		}
		u, err := be.GetUser(ctx, 42)
		if err != nil {
			t.Fatalf("user must survive ClearTokens: %v", err)
		}
		if u.RefreshToken != nil || u.TokenExpiresAt != nil {
			t.Fatalf("tokens not cleared: %+v", u)
		}
	})

	t.Run("UpsertEntitlementsDerivesPremium", func(t *testing.T) {
		be := factory(t, entitlements.Policy{PremiumSKU: 500})
		ctx := context.Background()
		seedUser(t, be, storage.UpsertUserParams{UserID: 42, Username: "tester"})

		ends := time.Now().Add(30 * 24 * time.Hour).UTC()
		recs := []entitlements.Record{
			{ID: 1, SKUID: 500, EndsAt: &ends},
			{ID: 2, SKUID: 999}, // wrong SKU, must not qualify
		}
		if err := be.UpsertEntitlements(ctx, 42, recs); err != nil {
			t.Fatalf("UpsertEntitlements: %v", err)
		}

		u, _ := be.GetUser(ctx, 42)
		if u.SubscriptionTier != entitlements.TierPremium {
			t.Fatalf("expected premium, got %q", u.SubscriptionTier)
		}
		if u.SubscriptionSource != entitlements.SourceDiscord {
			t.Fatalf("expected discord source, got %q", u.SubscriptionSource)
		}
		if u.SubscriptionExpiresAt == nil || !u.SubscriptionExpiresAt.Equal(ends) {
			t.Fatalf("expected expiry %v, got %v", ends, u.SubscriptionExpiresAt)
		}
	})

	t.Run("UpsertEntitlementsIdempotent", func(t *testing.T) {
		be := factory(t, entitlements.Policy{PremiumSKU: 500})
		ctx := context.Background()
		seedUser(t, be, storage.UpsertUserParams{UserID: 42, Username: "tester"})

		ends := time.Now().Add(time.Hour).UTC()
		recs := []entitlements.Record{{ID: 1, SKUID: 500, EndsAt: &ends}}
		if err := be.UpsertEntitlements(ctx, 42, recs); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		first, _ := be.GetUser(ctx, 42)

		time.Sleep(5 * time.Millisecond)
		if err := be.UpsertEntitlements(ctx, 42, recs); err != nil {
			t.Fatalf("second apply: %v", err)
		}
		second, _ := be.GetUser(ctx, 42)
		if !second.UpdatedAt.Equal(first.UpdatedAt) {
			t.Fatal("re-applying an identical set must not bump updated_at")
		}
	})

	t.Run("UpsertEntitlementsRemovesAbsent", func(t *testing.T) {
		be := factory(t, entitlements.Policy{PremiumSKU: 500})
		ctx := context.Background()
		seedUser(t, be, storage.UpsertUserParams{UserID: 42, Username: "tester"})

		ends := time.Now().Add(time.Hour).UTC()
		if err := be.UpsertEntitlements(ctx, 42, []entitlements.Record{
			{ID: 1, SKUID: 500, EndsAt: &ends},
			{ID: 2, SKUID: 500, EndsAt: &ends},
		}); err != nil {
			t.Fatalf("seed entitlements: %v", err)
		}

		// The provider withdrew record 1.
		if err := be.UpsertEntitlements(ctx, 42, []entitlements.Record{
			{ID: 2, SKUID: 500, Consumed: true, EndsAt: &ends},
		}); err != nil {
			t.Fatalf("replace entitlements: %v", err)
		}

		got, err := be.GetEntitlementsByUser(ctx, 42)
		if err != nil {
			t.Fatalf("GetEntitlementsByUser: %v", err)
		}
		if len(got) != 1 || got[0].ID != 2 {
			t.Fatalf("expected only record 2, got %+v", got)
		}
		u, _ := be.GetUser(ctx, 42)
		if u.SubscriptionTier != entitlements.TierFree {
			t.Fatalf("consumed-only set must derive free, got %q", u.SubscriptionTier)
		}
	})

	t.Run("UpsertEntitlementsUnknownUser", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		err := be.UpsertEntitlements(context.Background(), 999, nil)
		if err != storage.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetEntitlementsOrderedByID", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		ctx := context.Background()
		seedUser(t, be, storage.UpsertUserParams{UserID: 42, Username: "tester"})

		if err := be.UpsertEntitlements(ctx, 42, []entitlements.Record{
			{ID: 30, SKUID: 500},
			{ID: 10, SKUID: 500},
			{ID: 20, SKUID: 500},
		}); err != nil {
			t.Fatalf("UpsertEntitlements: %v", err)
		}
		got, err := be.GetEntitlementsByUser(ctx, 42)
		if err != nil {
			t.Fatalf("GetEntitlementsByUser: %v", err)
		}
		for i := 1; i < len(got); i++ {
			if got[i-1].ID >= got[i].ID {
				t.Fatalf("records not ordered by id: %+v", got)
			}
		}
		for _, r := range got {
			if r.UserID != 42 {
				t.Fatalf("stored record carries wrong user id: %+v", r)
			}
		}
	})

	t.Run("ListUsersWithExpiringTokens", func(t *testing.T) {
		be := factory(t, entitlements.Policy{})
		ctx := context.Background()
		soon := time.Now().Add(time.Hour).UTC()
		later := time.Now().Add(48 * time.Hour).UTC()

		seedUser(t, be, storage.UpsertUserParams{
			UserID: 1, Username: "expiring",
			RefreshToken: strptr("blob"), TokenExpiresAt: &soon,
		})
		seedUser(t, be, storage.UpsertUserParams{
			UserID: 2, Username: "fresh",
			RefreshToken: strptr("blob"), TokenExpiresAt: &later,
		})
		seedUser(t, be, storage.UpsertUserParams{UserID: 3, Username: "tokenless"})

		ids, err := be.ListUsersWithExpiringTokens(ctx, time.Now().Add(24*time.Hour), 100)
		if err != nil {
			t.Fatalf("ListUsersWithExpiringTokens: %v", err)
		}
		if len(ids) != 1 || ids[0] != 1 {
			t.Fatalf("expected [1], got %v", ids)
		}
	})
}

func seedUser(t *testing.T, be storage.Backend, params storage.UpsertUserParams) {
	t.Helper()
	if err := be.UpsertUser(context.Background(), params); err != nil {
		t.Fatalf("UpsertUser(%d): %v", params.UserID, err)
	}
}

func strptr(s string) *string { return &s }
