package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps pending actions in redis with native key expiry,
// which lets several engine instances share them.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to url and verifies the connection
func NewRedisStore(url, prefix string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if prefix == "" {
		prefix = "courier:pending:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(actorID string) string {
	return s.prefix + actorID
}

// Put stores a, replacing the actor's previous action
func (s *RedisStore) Put(ctx context.Context, a *Action) error {
	if err := stamp(a, time.Now(), s.ttl); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal pending action: %w", err)
	}
	if err := s.client.Set(ctx, s.key(a.ActorID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending action: %w", err)
	}
	return nil
}

// Take atomically reads and deletes the actor's action
func (s *RedisStore) Take(ctx context.Context, actorID string) (*Action, error) {
	data, err := s.client.GetDel(ctx, s.key(actorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take pending action: %w", err)
	}

	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending action: %w", err)
	}
	if a.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &a, nil
}

// Discard removes the actor's action
func (s *RedisStore) Discard(ctx context.Context, actorID string) error {
	n, err := s.client.Del(ctx, s.key(actorID)).Result()
	if err != nil {
		return fmt.Errorf("failed to discard pending action: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
