package entitlements

import (
	"testing"
	"time"
)

func tp(t time.Time) *time.Time { return &t }

func TestRecordActiveAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"no bounds", Record{}, true},
		{"inside window", Record{StartsAt: tp(now.Add(-time.Hour)), EndsAt: tp(now.Add(time.Hour))}, true},
		{"before start", Record{StartsAt: tp(now.Add(time.Minute))}, false},
		{"after end", Record{EndsAt: tp(now.Add(-time.Minute))}, false},
		{"ends exactly now", Record{EndsAt: tp(now)}, false},
		{"starts exactly now", Record{StartsAt: tp(now)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.ActiveAt(now); got != tt.want {
				t.Fatalf("ActiveAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicyQualifies(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{PremiumSKU: 500}

	if !p.Qualifies(Record{SKUID: 500}, now) {
		t.Fatal("active matching SKU must qualify")
	}
	if p.Qualifies(Record{SKUID: 999}, now) {
		t.Fatal("non-matching SKU must not qualify")
	}
	if p.Qualifies(Record{SKUID: 500, Consumed: true}, now) {
		t.Fatal("consumed record must not qualify")
	}
	if !p.Qualifies(Record{SKUID: 500, Test: true}, now) {
		t.Fatal("test-mode records count like real ones")
	}

	// Zero PremiumSKU accepts any SKU.
	any := Policy{}
	if !any.Qualifies(Record{SKUID: 12345}, now) {
		t.Fatal("zero policy SKU must accept any SKU")
	}
}

func TestPolicyDerive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{PremiumSKU: 500}
	end1 := now.Add(24 * time.Hour)
	end2 := now.Add(48 * time.Hour)

	t.Run("empty set is free", func(t *testing.T) {
		sub := p.Derive(nil, now)
		if sub.Tier != TierFree || sub.Source != "" || sub.ExpiresAt != nil {
			t.Fatalf("unexpected subscription: %+v", sub)
		}
	})

	t.Run("latest expiry wins", func(t *testing.T) {
		sub := p.Derive([]Record{
			{ID: 1, SKUID: 500, EndsAt: &end1},
			{ID: 2, SKUID: 500, EndsAt: &end2},
		}, now)
		if sub.Tier != TierPremium || sub.Source != SourceDiscord {
			t.Fatalf("unexpected subscription: %+v", sub)
		}
		if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(end2) {
			t.Fatalf("expected expiry %v, got %v", end2, sub.ExpiresAt)
		}
	})

	t.Run("open-ended record removes expiry", func(t *testing.T) {
		sub := p.Derive([]Record{
			{ID: 1, SKUID: 500, EndsAt: &end1},
			{ID: 2, SKUID: 500},
		}, now)
		if sub.Tier != TierPremium || sub.ExpiresAt != nil {
			t.Fatalf("expected open-ended premium, got %+v", sub)
		}
	})

	t.Run("expired records derive free", func(t *testing.T) {
		past := now.Add(-time.Hour)
		sub := p.Derive([]Record{{ID: 1, SKUID: 500, EndsAt: &past}}, now)
		if sub.Tier != TierFree {
			t.Fatalf("expected free, got %+v", sub)
		}
	})
}

func TestNormalizeAndEqual(t *testing.T) {
	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := []Record{
		{ID: 3, SKUID: 500},
		{ID: 1, SKUID: 500, EndsAt: &end},
		{ID: 2, SKUID: 999},
	}
	norm := Normalize(42, in)
	if len(norm) != 3 || norm[0].ID != 1 || norm[1].ID != 2 || norm[2].ID != 3 {
		t.Fatalf("not sorted by id: %+v", norm)
	}
	for _, r := range norm {
		if r.UserID != 42 {
			t.Fatalf("user id not forced: %+v", r)
		}
	}
	// Input order must not affect equality after normalization.
	shuffled := Normalize(42, []Record{in[1], in[2], in[0]})
	if !Equal(norm, shuffled) {
		t.Fatal("normalized sets with same content must be equal")
	}

	changed := Normalize(42, []Record{in[0], in[1], {ID: 2, SKUID: 999, Consumed: true}})
	if Equal(norm, changed) {
		t.Fatal("flipping consumed must break equality")
	}
}
