// Package entitlements holds the provider-issued entitlement model and the
// rules that derive a user's subscription from it.
package entitlements

import (
	"sort"
	"time"
)

// Tier is a user's subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// IsPremium reports whether the tier grants premium access.
func (t Tier) IsPremium() bool { return t == TierPremium }

// Source records where a premium subscription came from.
type Source string

const (
	SourceDiscord  Source = "discord"
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
)

// Record is a single provider-issued entitlement (a purchased SKU grant).
type Record struct {
	ID       int64
	UserID   int64
	SKUID    int64
	Type     int
	Test     bool
	Consumed bool
	StartsAt *time.Time
	EndsAt   *time.Time
}

// ActiveAt reports whether now falls inside the record's validity window.
// An absent bound is treated as always-satisfied on that side.
func (r Record) ActiveAt(now time.Time) bool {
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && !now.Before(*r.EndsAt) {
		return false
	}
	return true
}

// Subscription is the derived subscription state for a user.
type Subscription struct {
	Tier      Tier
	Source    Source // set only when Tier is premium
	ExpiresAt *time.Time
}

// Policy decides which entitlements qualify a user for premium.
type Policy struct {
	// PremiumSKU restricts qualification to one SKU. Zero means any SKU
	// qualifies.
	PremiumSKU int64
}

// Qualifies reports whether a single record grants premium under this policy.
func (p Policy) Qualifies(r Record, now time.Time) bool {
	if r.Consumed {
		return false
	}
	if p.PremiumSKU != 0 && r.SKUID != p.PremiumSKU {
		return false
	}
	return r.ActiveAt(now)
}

// Derive computes the subscription state from the full entitlement set.
// The expiry is the latest ends_at among qualifying records; a qualifying
// record with no end date makes the subscription open-ended.
func (p Policy) Derive(records []Record, now time.Time) Subscription {
	var (
		premium bool
		openEnd bool
		latest  *time.Time
	)
	for _, r := range records {
		if !p.Qualifies(r, now) {
			continue
		}
		premium = true
		if r.EndsAt == nil {
			openEnd = true
			continue
		}
		if latest == nil || r.EndsAt.After(*latest) {
			end := *r.EndsAt
			latest = &end
		}
	}
	if !premium {
		return Subscription{Tier: TierFree}
	}
	sub := Subscription{Tier: TierPremium, Source: SourceDiscord}
	if !openEnd {
		sub.ExpiresAt = latest
	}
	return sub
}

// Normalize sorts records by ID and forces UserID, giving both storage
// backends one canonical form to store and compare.
func Normalize(userID int64, records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	for i := range out {
		out[i].UserID = userID
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Equal reports whether two normalized record sets carry identical state.
func Equal(a, b []Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameRecord(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameRecord(x, y Record) bool {
	return x.ID == y.ID &&
		x.UserID == y.UserID &&
		x.SKUID == y.SKUID &&
		x.Type == y.Type &&
		x.Test == y.Test &&
		x.Consumed == y.Consumed &&
		sameTime(x.StartsAt, y.StartsAt) &&
		sameTime(x.EndsAt, y.EndsAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
