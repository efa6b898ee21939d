package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Store persists issued tokens so they survive process restarts.
// Load returns nil, nil when nothing is stored under key.
type Store interface {
	Load(ctx context.Context, key string) (*Token, error)
	Save(ctx context.Context, key string, token *Token, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	token   *Token
	expires time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, nil
	}
	t := *e.token
	return &t, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, token *Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	t := *token

	s.mu.Lock()
	s.entries[key] = memoryEntry{token: &t, expires: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// RedisStore keeps tokens in redis as JSON with a TTL equal to their remaining lifetime.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore on an existing redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Token, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var t Token
	if err := sonic.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, token *Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := sonic.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
