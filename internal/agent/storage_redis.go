package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "godel:agent:state:"

// RedisStorage persists snapshots under godel:agent:state:<id>. Snapshots
// have no TTL; lifecycle is explicit via Delete.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) key(agentID string) string {
	return redisStatePrefix + agentID
}

// Get returns the stored snapshot or (nil, nil).
func (s *RedisStorage) Get(ctx context.Context, agentID string) (*SavedState, error) {
	data, err := s.client.Get(ctx, s.key(agentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	var saved SavedState
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("failed to decode agent state: %w", err)
	}
	return &saved, nil
}

// Save writes the snapshot.
func (s *RedisStorage) Save(ctx context.Context, agentID string, state *SavedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode agent state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(agentID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

// Delete removes the snapshot key.
func (s *RedisStorage) Delete(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, s.key(agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete agent state: %w", err)
	}
	return nil
}

// List scans for stored snapshot keys and strips the prefix.
func (s *RedisStorage) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, redisStatePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), redisStatePrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan agent states: %w", err)
	}
	return ids, nil
}
