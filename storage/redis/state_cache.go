// Package redisstore holds Redis-backed caches shared across instances.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-rails/activitykit/core"
)

// StateCache stores single-use OAuth login states in Redis so any instance
// can consume a state minted by another.
type StateCache struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

func NewStateCache(rdb *redis.Client, keyPrefix string, ttl time.Duration) *StateCache {
	if keyPrefix == "" {
		keyPrefix = "auth:discord:state:"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StateCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (s *StateCache) key(state string) string { return s.keyNS + state }

func (s *StateCache) Put(ctx context.Context, state string, data core.StateData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(state), b, s.ttl).Err()
}

func (s *StateCache) Get(ctx context.Context, state string) (core.StateData, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(state)).Bytes()
	if err == redis.Nil {
		return core.StateData{}, false, nil
	}
	if err != nil {
		return core.StateData{}, false, err
	}
	var d core.StateData
	if err := json.Unmarshal(val, &d); err != nil {
		return core.StateData{}, false, err
	}
	return d, true, nil
}

func (s *StateCache) Del(ctx context.Context, state string) error {
	return s.rdb.Del(ctx, s.key(state)).Err()
}
