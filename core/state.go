package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStateNotFound means a presented login state was never issued, already
// consumed, or expired. States are single-use.
var ErrStateNotFound = errors.New("core: login state not found")

// StateData is what the login flow remembers about an issued state.
type StateData struct {
	CreatedAt time.Time `json:"created_at"`
}

// StateCache stores single-use OAuth login states with a TTL. Implemented
// by storage/memory and storage/redis.
type StateCache interface {
	Put(ctx context.Context, state string, data StateData) error
	Get(ctx context.Context, state string) (StateData, bool, error)
	Del(ctx context.Context, state string) error
}

// LoginURL mints a single-use state, records it, and returns the provider
// authorization URL carrying it. Requires a configured StateCache.
func (s *Service) LoginURL(ctx context.Context) (string, error) {
	if s.states == nil {
		return "", errors.New("core: login flow not configured")
	}
	state := uuid.NewString()
	if err := s.states.Put(ctx, state, StateData{CreatedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("core: store login state: %w", err)
	}
	return s.provider.AuthCodeURL(state), nil
}

// consumeState validates and burns a presented state. A service without a
// state cache accepts stateless exchanges (the embedded-activity flow has
// no redirect leg).
func (s *Service) consumeState(ctx context.Context, state string) error {
	if state == "" || s.states == nil {
		return nil
	}
	_, ok, err := s.states.Get(ctx, state)
	if err != nil {
		return fmt.Errorf("core: read login state: %w", err)
	}
	if !ok {
		return ErrStateNotFound
	}
	if err := s.states.Del(ctx, state); err != nil {
		return fmt.Errorf("core: consume login state: %w", err)
	}
	return nil
}
