package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const verifiedPrefix = "otp:verified:"

// VerifiedStore remembers, for a short time, that a phone passed OTP
// verification for a purpose. Consume is single-use.
type VerifiedStore interface {
	Mark(ctx context.Context, phone string, purpose Purpose, ttl time.Duration) error
	Consume(ctx context.Context, phone string, purpose Purpose) (bool, error)
}

// RedisVerifiedStore keeps markers as expiring keys.
type RedisVerifiedStore struct {
	client *redis.Client
}

// NewRedisVerifiedStore wires a Redis-backed marker store.
func NewRedisVerifiedStore(client *redis.Client) *RedisVerifiedStore {
	return &RedisVerifiedStore{client: client}
}

func verifiedKey(phone string, purpose Purpose) string {
	return verifiedPrefix + string(purpose) + ":" + phone
}

// Mark records the marker with ttl.
func (s *RedisVerifiedStore) Mark(ctx context.Context, phone string, purpose Purpose, ttl time.Duration) error {
	if err := s.client.Set(ctx, verifiedKey(phone, purpose), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis mark verified: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes the marker.
func (s *RedisVerifiedStore) Consume(ctx context.Context, phone string, purpose Purpose) (bool, error) {
	_, err := s.client.GetDel(ctx, verifiedKey(phone, purpose)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis consume verified: %w", err)
	}
	return true, nil
}

type memoryVerifiedStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryVerifiedStore builds an in-process marker store for tests and local development.
func NewMemoryVerifiedStore() VerifiedStore {
	return &memoryVerifiedStore{expires: make(map[string]time.Time), now: time.Now}
}

func (s *memoryVerifiedStore) Mark(_ context.Context, phone string, purpose Purpose, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[verifiedKey(phone, purpose)] = s.now().Add(ttl)
	return nil
}

func (s *memoryVerifiedStore) Consume(_ context.Context, phone string, purpose Purpose) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := verifiedKey(phone, purpose)
	exp, ok := s.expires[key]
	delete(s.expires, key)
	return ok && s.now().Before(exp), nil
}
