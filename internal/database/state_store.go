package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const statePrefix = "tickstream:"

// StateStore persists small JSON state blobs — backfill cursors and collector
// shutdown snapshots — in Redis. Values are written with a TTL so state from
// long-dead deployments eventually disappears on its own.
type StateStore struct {
	redis  *RedisClient
	logger *logrus.Logger
}

func NewStateStore(redis *RedisClient, logger *logrus.Logger) *StateStore {
	return &StateStore{redis: redis, logger: logger}
}

// Set marshals value and stores it under key. A zero ttl keeps the value
// forever.
func (s *StateStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state %s: %w", key, err)
	}
	if err := s.redis.Set(ctx, statePrefix+key, data, ttl); err != nil {
		return fmt.Errorf("failed to persist state %s: %w", key, err)
	}
	return nil
}

// Get loads and unmarshals the value under key into out. The boolean is
// false when the key does not exist.
func (s *StateStore) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.redis.Get(ctx, statePrefix+key)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("failed to decode state %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *StateStore) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = statePrefix + k
	}
	if err := s.redis.Delete(ctx, prefixed...); err != nil {
		return fmt.Errorf("failed to delete state keys: %w", err)
	}
	return nil
}
