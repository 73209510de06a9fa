package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/go-redis/redis/v8"
)

const keyPrefix = "session:"

// RedisStore keeps sessions in Redis so several server instances can share
// one session space. Expiry is handled by Redis itself; no sweeper needed.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context) (*models.Session, error) {
	id, err := common.MakeRandHexString(sessionIDBytes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.client.Set(ctx, keyPrefix+id, now.Unix(), s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return &models.Session{ID: id, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}, nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	// Sliding TTL.
	if err := s.client.Expire(ctx, keyPrefix+id, s.ttl).Err(); err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
