// Package core orchestrates the OAuth token lifecycle: code exchange,
// deduplicated refresh, revocation, and entitlement reconciliation. All
// state transitions for one user run inside that user's critical section;
// no cross-user lock exists.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/open-rails/activitykit/discord"
	"github.com/open-rails/activitykit/entitlements"
	"github.com/open-rails/activitykit/session"
	"github.com/open-rails/activitykit/storage"
	"github.com/open-rails/activitykit/vault"
)

// Provider is the slice of the Discord client the service depends on.
type Provider interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (discord.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (discord.TokenPair, error)
	Revoke(ctx context.Context, token string) error
	FetchUser(ctx context.Context, accessToken string) (*discord.User, error)
	FetchEntitlements(ctx context.Context, userID int64) ([]entitlements.Record, error)
}

// DefaultProviderTimeout bounds every provider and storage call made on
// behalf of one operation.
const DefaultProviderTimeout = 30 * time.Second

// Options wires a Service. Storage, Vault, Provider, and Sessions are
// required; States enables the web login flow when set.
type Options struct {
	Storage  storage.Backend
	Vault    *vault.Vault
	Provider Provider
	Sessions *session.Issuer
	States   StateCache
	Policy   entitlements.Policy
	Logger   *logrus.Logger
	// ProviderTimeout bounds provider calls; zero means the default.
	ProviderTimeout time.Duration
}

// Service implements the per-user token state machine.
type Service struct {
	storage  storage.Backend
	vault    *vault.Vault
	provider Provider
	sessions *session.Issuer
	states   StateCache
	policy   entitlements.Policy
	log      *logrus.Logger
	timeout  time.Duration

	// refresh deduplicates concurrent refresh attempts per user: the
	// loser waits and receives the winner's result instead of spending
	// a second single-use refresh token.
	refresh singleflight.Group
	locks   userLocks
}

// New validates options and constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Storage == nil || opts.Vault == nil || opts.Provider == nil || opts.Sessions == nil {
		return nil, errors.New("core: storage, vault, provider, and sessions are required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Service{
		storage:  opts.Storage,
		vault:    opts.Vault,
		provider: opts.Provider,
		sessions: opts.Sessions,
		states:   opts.States,
		policy:   opts.Policy,
		log:      log,
		timeout:  timeout,
	}, nil
}

// opCtx detaches from caller cancellation: once a single-use provider call
// is in flight it is allowed to complete and its result persisted, so a
// token update is never half-applied. The timeout still bounds the work.
func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

// Session is the result of a successful exchange or refresh.
type Session struct {
	// Token is this service's own signed session credential.
	Token string
	// DiscordAccessToken lets embedded clients talk to the Discord SDK.
	DiscordAccessToken string
	User               *storage.User
}
