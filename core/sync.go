package core

import (
	"context"
	"fmt"

	"github.com/open-rails/activitykit/entitlements"
)

// Reconcile applies the full current entitlement set reported by the
// provider for one user. The stored set is replaced wholesale (records
// missing from the input are removed; a missed deletion can never drift)
// and the subscription tier is recomputed in the same storage operation.
// Applying an identical set twice leaves stored state untouched.
func (s *Service) Reconcile(ctx context.Context, userID int64, records []entitlements.Record) error {
	unlock := s.locks.lock(userID)
	defer unlock()
	return s.reconcileLocked(ctx, userID, records)
}

func (s *Service) reconcileLocked(ctx context.Context, userID int64, records []entitlements.Record) error {
	if err := s.storage.UpsertEntitlements(ctx, userID, records); err != nil {
		return fmt.Errorf("reconcile entitlements for user %d: %w", userID, err)
	}
	return nil
}

// SyncEntitlements fetches the user's entitlements from the provider and
// reconciles them. The fetch is an idempotent read, so callers (including
// the background scanner) may retry it freely.
func (s *Service) SyncEntitlements(ctx context.Context, userID int64) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	unlock := s.locks.lock(userID)
	defer unlock()
	return s.syncLocked(opCtx, userID)
}

// syncLocked must run inside the user's critical section.
func (s *Service) syncLocked(ctx context.Context, userID int64) error {
	records, err := s.provider.FetchEntitlements(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch entitlements for user %d: %w", userID, err)
	}
	return s.reconcileLocked(ctx, userID, records)
}
