// Package pgstore is the durable storage backend on PostgreSQL via pgx.
// Every compound mutation (entitlement replace + tier recompute, token
// updates with their timestamp bump) runs in one transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/activitykit/entitlements"
	"github.com/open-rails/activitykit/storage"
)

// Store is a storage.Backend over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	policy entitlements.Policy
}

// New constructs a Store. The schema is managed by migrations/postgres.
func New(pool *pgxpool.Pool, policy entitlements.Policy) *Store {
	return &Store{pool: pool, policy: policy}
}

// Pool exposes the underlying pool for migration runners and job queues.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) GetUser(ctx context.Context, userID int64) (*storage.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, username, global_name, avatar_url,
		       refresh_token, token_expires_at,
		       subscription_tier, subscription_source, subscription_expires_at,
		       created_at, updated_at
		FROM users
		WHERE user_id = $1`, userID)
	return scanUser(row)
}

func (s *Store) UpsertUser(ctx context.Context, p storage.UpsertUserParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, username, global_name, avatar_url, refresh_token, token_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			global_name = EXCLUDED.global_name,
			avatar_url = EXCLUDED.avatar_url,
			refresh_token = COALESCE(EXCLUDED.refresh_token, users.refresh_token),
			token_expires_at = COALESCE(EXCLUDED.token_expires_at, users.token_expires_at),
			updated_at = NOW()`,
		p.UserID, p.Username, p.GlobalName, p.AvatarURL, p.RefreshToken, p.TokenExpiresAt)
	if err != nil {
		return fmt.Errorf("pgstore: upsert user %d: %w", p.UserID, err)
	}
	return nil
}

func (s *Store) UpdateRefreshToken(ctx context.Context, userID int64, blob string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET refresh_token = $2, token_expires_at = $3, updated_at = NOW()
		WHERE user_id = $1`, userID, blob, expiresAt)
	if err != nil {
		return fmt.Errorf("pgstore: update refresh token for user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ClearTokens(ctx context.Context, userID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET refresh_token = NULL, token_expires_at = NULL, updated_at = NOW()
		WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("pgstore: clear tokens for user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertEntitlements(ctx context.Context, userID int64, records []entitlements.Record) error {
	incoming := entitlements.Normalize(userID, records)
	sub := s.policy.Derive(incoming, time.Now())

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		curTier    string
		curSource  *string
		curExpires *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT subscription_tier, subscription_source, subscription_expires_at
		FROM users WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&curTier, &curSource, &curExpires)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgstore: lock user %d: %w", userID, err)
	}

	current, err := queryEntitlements(ctx, tx, userID)
	if err != nil {
		return err
	}

	// Identical input means identical stored state: skip every write so
	// repeated syncs leave timestamps untouched.
	if entitlements.Equal(current, incoming) && sameSubscription(curTier, curSource, curExpires, sub) {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entitlements WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pgstore: clear entitlements for user %d: %w", userID, err)
	}
	for _, r := range incoming {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entitlements (entitlement_id, user_id, sku_id, entitlement_type, is_test, consumed, starts_at, ends_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.UserID, r.SKUID, r.Type, r.Test, r.Consumed, r.StartsAt, r.EndsAt); err != nil {
			return fmt.Errorf("pgstore: insert entitlement %d: %w", r.ID, err)
		}
	}

	var source *string
	if sub.Source != "" {
		v := string(sub.Source)
		source = &v
	}
	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET subscription_tier = $2, subscription_source = $3, subscription_expires_at = $4, updated_at = NOW()
		WHERE user_id = $1`, userID, string(sub.Tier), source, sub.ExpiresAt); err != nil {
		return fmt.Errorf("pgstore: update subscription for user %d: %w", userID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetEntitlementsByUser(ctx context.Context, userID int64) ([]entitlements.Record, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("pgstore: check user %d: %w", userID, err)
	}
	if !exists {
		return nil, storage.ErrNotFound
	}
	return queryEntitlements(ctx, s.pool, userID)
}

func (s *Store) ListUsersWithExpiringTokens(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM users
		WHERE refresh_token IS NOT NULL AND token_expires_at < $1
		ORDER BY token_expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list expiring tokens: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntitlements(ctx context.Context, q querier, userID int64) ([]entitlements.Record, error) {
	rows, err := q.Query(ctx, `
		SELECT entitlement_id, user_id, sku_id, entitlement_type, is_test, consumed, starts_at, ends_at
		FROM entitlements
		WHERE user_id = $1
		ORDER BY entitlement_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query entitlements for user %d: %w", userID, err)
	}
	defer rows.Close()
	var out []entitlements.Record
	for rows.Next() {
		var r entitlements.Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.SKUID, &r.Type, &r.Test, &r.Consumed, &r.StartsAt, &r.EndsAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan entitlement: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*storage.User, error) {
	var (
		u      storage.User
		tier   string
		source *string
	)
	err := row.Scan(&u.UserID, &u.Username, &u.GlobalName, &u.AvatarURL,
		&u.RefreshToken, &u.TokenExpiresAt,
		&tier, &source, &u.SubscriptionExpiresAt,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan user: %w", err)
	}
	u.SubscriptionTier = entitlements.Tier(tier)
	if source != nil {
		u.SubscriptionSource = entitlements.Source(*source)
	}
	return &u, nil
}

func sameSubscription(tier string, source *string, expires *time.Time, sub entitlements.Subscription) bool {
	if tier != string(sub.Tier) {
		return false
	}
	curSource := ""
	if source != nil {
		curSource = *source
	}
	if curSource != string(sub.Source) {
		return false
	}
	if expires == nil || sub.ExpiresAt == nil {
		return expires == nil && sub.ExpiresAt == nil
	}
	return expires.Equal(*sub.ExpiresAt)
}
