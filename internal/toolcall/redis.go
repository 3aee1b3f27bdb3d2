package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisStore keeps records as JSON strings with a TTL.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns its lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, queryTimeout: defaultQueryTimeout}
}

func (s *RedisStore) Put(ctx context.Context, conversation string, rec Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("toolcall: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := storeKey(conversation, rec.ToolUseID)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("toolcall: SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, conversation, toolUseID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := storeKey(conversation, toolUseID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("toolcall: GET %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("toolcall: decode %s: %w", key, err)
	}
	return rec, nil
}
