// Package storage defines the persistence capability for users and
// entitlements. Two interchangeable implementations exist:
// storage/postgres (durable, pgx) and storage/memory (tests and
// single-node development). Both must pass storage/storagetest.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/open-rails/activitykit/entitlements"
)

// ErrNotFound is returned when a referenced user does not exist.
var ErrNotFound = errors.New("storage: not found")

// User is the stored record for a Discord-authenticated user. Users are
// never physically deleted by this module; logout only clears tokens.
type User struct {
	UserID     int64
	Username   string
	GlobalName *string
	AvatarURL  *string

	// RefreshToken is the encrypted blob produced by the vault; storage
	// treats it as opaque. TokenExpiresAt is present iff the blob is.
	RefreshToken   *string
	TokenExpiresAt *time.Time

	SubscriptionTier      entitlements.Tier
	SubscriptionSource    entitlements.Source // set only when tier is premium
	SubscriptionExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPremium reports whether the user's subscription is premium and not
// past its expiry. No expiry means lifetime.
func (u *User) IsPremium() bool {
	if !u.SubscriptionTier.IsPremium() {
		return false
	}
	if u.SubscriptionExpiresAt == nil {
		return true
	}
	return u.SubscriptionExpiresAt.After(time.Now())
}

// DisplayName prefers the global display name over the username.
func (u *User) DisplayName() string {
	if u.GlobalName != nil && *u.GlobalName != "" {
		return *u.GlobalName
	}
	return u.Username
}

// UpsertUserParams carries a create-or-update for a user. Nil token fields
// preserve whatever is already stored.
type UpsertUserParams struct {
	UserID         int64
	Username       string
	GlobalName     *string
	AvatarURL      *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
}

// Backend is the full persistence capability. The durable implementation
// applies each mutation transactionally: a user update plus its timestamp
// bump, or an entitlement-set replace plus tier recomputation, is atomic
// from the caller's perspective.
type Backend interface {
	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, userID int64) (*User, error)

	// UpsertUser creates the user or updates profile and token fields.
	UpsertUser(ctx context.Context, params UpsertUserParams) error

	// UpdateRefreshToken overwrites the stored token blob and expiry.
	// Returns ErrNotFound for unknown ids.
	UpdateRefreshToken(ctx context.Context, userID int64, blob string, expiresAt time.Time) error

	// ClearTokens removes the token blob and expiry, keeping the user.
	ClearTokens(ctx context.Context, userID int64) error

	// UpsertEntitlements replaces the user's entitlement set with records
	// and recomputes the subscription tier in the same operation. Records
	// absent from the input are removed. Re-applying an identical set is a
	// no-op: no writes, no timestamp bumps. Returns ErrNotFound if the
	// user does not exist.
	UpsertEntitlements(ctx context.Context, userID int64, records []entitlements.Record) error

	// GetEntitlementsByUser returns the stored set ordered by id.
	GetEntitlementsByUser(ctx context.Context, userID int64) ([]entitlements.Record, error)

	// ListUsersWithExpiringTokens returns ids of users whose OAuth token
	// expiry falls before the given time, for maintenance scans.
	ListUsersWithExpiringTokens(ctx context.Context, before time.Time, limit int) ([]int64, error)
}
