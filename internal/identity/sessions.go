package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionRecord binds a refresh token to a user for the local provider.
type SessionRecord struct {
	ID           string
	UserID       string
	RefreshToken string
	CreatedAt    time.Time
}

// SessionStore keeps refresh sessions. Lookups of unknown tokens return
// ErrInvalidRefreshToken.
type SessionStore interface {
	Save(ctx context.Context, rec SessionRecord, ttl time.Duration) error
	FindByRefresh(ctx context.Context, refreshToken string) (SessionRecord, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteUser(ctx context.Context, userID string) error
}

const (
	sessionPrefix        = "session:"
	sessionRefreshPrefix = "session:refresh:"
	sessionUserPrefix    = "session:user:"
)

// RedisSessionStore stores sessions as hashes with a refresh-token index and a
// per-user set used for revocation.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore wires a Redis-backed session store.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Save writes rec with ttl, replacing any previous refresh token of the same session.
func (s *RedisSessionStore) Save(ctx context.Context, rec SessionRecord, ttl time.Duration) error {
	key := sessionPrefix + rec.ID
	previous, err := s.client.HGet(ctx, key, "refresh_token").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis read session: %w", err)
	}

	pipe := s.client.TxPipeline()
	if previous != "" && previous != rec.RefreshToken {
		pipe.Del(ctx, sessionRefreshPrefix+previous)
	}
	pipe.HSet(ctx, key, map[string]any{
		"user_id":       rec.UserID,
		"refresh_token": rec.RefreshToken,
		"created_at":    strconv.FormatInt(rec.CreatedAt.Unix(), 10),
	})
	pipe.Expire(ctx, key, ttl)
	pipe.Set(ctx, sessionRefreshPrefix+rec.RefreshToken, rec.ID, ttl)
	pipe.SAdd(ctx, sessionUserPrefix+rec.UserID, rec.ID)
	pipe.Expire(ctx, sessionUserPrefix+rec.UserID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// FindByRefresh resolves a refresh token to its session.
func (s *RedisSessionStore) FindByRefresh(ctx context.Context, refreshToken string) (SessionRecord, error) {
	id, err := s.client.Get(ctx, sessionRefreshPrefix+refreshToken).Result()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("redis get refresh token: %w", err)
	}
	values, err := s.client.HGetAll(ctx, sessionPrefix+id).Result()
	if err != nil {
		return SessionRecord{}, fmt.Errorf("redis get session: %w", err)
	}
	if len(values) == 0 || values["refresh_token"] != refreshToken {
		return SessionRecord{}, ErrInvalidRefreshToken
	}
	created, _ := strconv.ParseInt(values["created_at"], 10, 64)
	return SessionRecord{
		ID:           id,
		UserID:       values["user_id"],
		RefreshToken: refreshToken,
		CreatedAt:    time.Unix(created, 0).UTC(),
	}, nil
}

// Exists reports whether sessionID is still live.
func (s *RedisSessionStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("redis session exists: %w", err)
	}
	return n > 0, nil
}

// Delete revokes a single session. Unknown sessions are ignored.
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	key := sessionPrefix + sessionID
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis get session: %w", err)
	}
	if len(values) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key, sessionRefreshPrefix+values["refresh_token"])
	pipe.SRem(ctx, sessionUserPrefix+values["user_id"], sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// DeleteUser revokes every session of userID.
func (s *RedisSessionStore) DeleteUser(ctx context.Context, userID string) error {
	ids, err := s.client.SMembers(ctx, sessionUserPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("redis list user sessions: %w", err)
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, sessionUserPrefix+userID).Err()
}

type memorySessionStore struct {
	mu        sync.Mutex
	sessions  map[string]SessionRecord
	byRefresh map[string]string
	expiry    map[string]time.Time
	now       func() time.Time
}

// NewMemorySessionStore builds an in-memory session store for tests and local development.
func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{
		sessions:  make(map[string]SessionRecord),
		byRefresh: make(map[string]string),
		expiry:    make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *memorySessionStore) Save(_ context.Context, rec SessionRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sessions[rec.ID]; ok {
		delete(s.byRefresh, prev.RefreshToken)
	}
	s.sessions[rec.ID] = rec
	s.byRefresh[rec.RefreshToken] = rec.ID
	s.expiry[rec.ID] = s.now().Add(ttl)
	return nil
}

func (s *memorySessionStore) FindByRefresh(_ context.Context, refreshToken string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRefresh[refreshToken]
	if !ok || !s.now().Before(s.expiry[id]) {
		return SessionRecord{}, ErrInvalidRefreshToken
	}
	return s.sessions[id], nil
}

func (s *memorySessionStore) Exists(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok && s.now().Before(s.expiry[sessionID]), nil
}

func (s *memorySessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(sessionID)
	return nil
}

func (s *memorySessionStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.sessions {
		if rec.UserID == userID {
			s.deleteLocked(id)
		}
	}
	return nil
}

func (s *memorySessionStore) deleteLocked(id string) {
	rec, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.byRefresh, rec.RefreshToken)
	delete(s.sessions, id)
	delete(s.expiry, id)
}
