package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/activitykit/discord"
	"github.com/open-rails/activitykit/session"
	"github.com/open-rails/activitykit/storage"
	"github.com/open-rails/activitykit/vault"
)

// ExchangeCode runs the NoToken -> Exchanging -> Authenticated transition:
// trade the one-time code, load the profile, persist the encrypted token
// pair, reconcile entitlements, and mint a session credential. The user
// record is created on first success.
//
// state is optional; when non-empty it must match a state minted by
// LoginURL (the embedded-activity flow passes "").
func (s *Service) ExchangeCode(ctx context.Context, code, state string) (*Session, error) {
	if err := s.consumeState(ctx, state); err != nil {
		return nil, err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	pair, err := s.provider.ExchangeCode(opCtx, code)
	if err != nil {
		return nil, err
	}
	profile, err := s.provider.FetchUser(opCtx, pair.AccessToken)
	if err != nil {
		return nil, err
	}
	userID, err := profile.ParseID()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	blob, err := s.vault.Encrypt(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	avatarURL := profile.AvatarURL()
	if err := s.storage.UpsertUser(opCtx, storage.UpsertUserParams{
		UserID:         userID,
		Username:       profile.Username,
		GlobalName:     profile.GlobalName,
		AvatarURL:      &avatarURL,
		RefreshToken:   &blob,
		TokenExpiresAt: &pair.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("persist user %d: %w", userID, err)
	}

	// Entitlement sync is best-effort at exchange time; the background
	// re-sync and explicit reconciliation cover failures here.
	if err := s.syncLocked(opCtx, userID); err != nil {
		s.log.WithFields(logrus.Fields{
			"user_id": userID,
		}).WithError(err).Warn("entitlement sync after exchange failed")
	}

	user, err := s.storage.GetUser(opCtx, userID)
	if err != nil {
		return nil, fmt.Errorf("reload user %d: %w", userID, err)
	}
	token, err := s.sessions.Mint(userID, profile.Username)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"username": profile.Username,
	}).Info("authenticated user via code exchange")
	return &Session{Token: token, DiscordAccessToken: pair.AccessToken, User: user}, nil
}

// Refresh runs Authenticated -> Refreshing -> Authenticated. Concurrent
// calls for the same user collapse into one provider-side refresh; every
// caller observes the winner's result. A provider invalid_grant (the token
// was revoked out-of-band or already spent) transitions the user to
// NoToken: local tokens are cleared and the client must re-exchange.
func (s *Service) Refresh(ctx context.Context, userID int64) (*Session, error) {
	v, err, _ := s.refresh.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		return s.refreshOne(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Service) refreshOne(ctx context.Context, userID int64) (*Session, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	unlock := s.locks.lock(userID)
	defer unlock()

	user, err := s.storage.GetUser(opCtx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user.RefreshToken == nil {
		return nil, fmt.Errorf("%w: no refresh token stored", session.ErrUnauthorized)
	}
	if user.TokenExpiresAt == nil {
		// Invariant: a stored token always carries an expiry. Surface the
		// defect instead of patching around it.
		return nil, fmt.Errorf("user %d has refresh token without expiry", userID)
	}

	refreshToken, err := s.vault.Decrypt(*user.RefreshToken)
	if err != nil {
		s.log.WithField("user_id", userID).WithError(err).
			Error("stored refresh token failed decryption; corruption or key change")
		return nil, err
	}

	pair, err := s.provider.Refresh(opCtx, refreshToken)
	if err != nil {
		if errors.Is(err, discord.ErrInvalidGrant) {
			// The token is dead at the provider; keeping it locally would
			// only produce the same failure forever.
			if clearErr := s.storage.ClearTokens(opCtx, userID); clearErr != nil {
				s.log.WithField("user_id", userID).WithError(clearErr).
					Error("failed to clear tokens after invalid_grant")
			}
		}
		return nil, err
	}

	// Persist the rotated token before anything can observe the old one:
	// the provider has already invalidated it.
	blob, err := s.vault.Encrypt(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	if err := s.storage.UpdateRefreshToken(opCtx, userID, blob, pair.ExpiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed token for user %d: %w", userID, err)
	}

	token, err := s.sessions.Mint(userID, user.Username)
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", userID).Info("refreshed provider token")
	user.RefreshToken = &blob
	user.TokenExpiresAt = &pair.ExpiresAt
	return &Session{Token: token, DiscordAccessToken: pair.AccessToken, User: user}, nil
}

// Revoke runs Authenticated|NoToken -> Revoking -> NoToken. The provider
// call is best-effort; the local clear is guaranteed.
func (s *Service) Revoke(ctx context.Context, userID int64) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	unlock := s.locks.lock(userID)
	defer unlock()

	user, err := s.storage.GetUser(opCtx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load user %d: %w", userID, err)
	}
	if user != nil && user.RefreshToken != nil {
		refreshToken, derr := s.vault.Decrypt(*user.RefreshToken)
		switch {
		case errors.Is(derr, vault.ErrDecryption):
			// Undecryptable tokens cannot be revoked upstream; clearing
			// them locally is still the right outcome.
			s.log.WithField("user_id", userID).WithError(derr).
				Error("stored refresh token failed decryption during revoke")
		case derr != nil:
			return derr
		default:
			if rerr := s.provider.Revoke(opCtx, refreshToken); rerr != nil {
				s.log.WithField("user_id", userID).WithError(rerr).
					Warn("provider-side revocation failed; clearing local tokens anyway")
			}
		}
	}
	if user == nil {
		return nil
	}
	if err := s.storage.ClearTokens(opCtx, userID); err != nil {
		return fmt.Errorf("clear tokens for user %d: %w", userID, err)
	}
	s.log.WithField("user_id", userID).Info("revoked tokens")
	return nil
}

// Logout clears local tokens without touching the provider. The user
// record itself is never deleted.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	unlock := s.locks.lock(userID)
	defer unlock()
	if err := s.storage.ClearTokens(ctx, userID); err != nil {
		return fmt.Errorf("clear tokens for user %d: %w", userID, err)
	}
	s.log.WithField("user_id", userID).Info("logged out user")
	return nil
}

// CurrentUser loads the stored profile and subscription state.
func (s *Service) CurrentUser(ctx context.Context, userID int64) (*storage.User, error) {
	return s.storage.GetUser(ctx, userID)
}
