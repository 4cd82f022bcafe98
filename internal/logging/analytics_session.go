package logging

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultSessionTimeout is the inactivity after which a new analytics session starts.
const DefaultSessionTimeout = 30 * time.Minute

// SessionStore keeps the analytics client id and the current session id.
type SessionStore interface {
	// ClientID returns the persisted client id, creating it on first use.
	ClientID(ctx context.Context) (string, error)
	// SessionID returns the current session id. A session idle for longer than
	// the timeout is replaced by a new one named after now in milliseconds;
	// otherwise its activity time is refreshed.
	SessionID(ctx context.Context, now time.Time) (string, error)
}

// MemorySessionStore keeps analytics state for the lifetime of the process.
type MemorySessionStore struct {
	mu           sync.Mutex
	timeout      time.Duration
	clientID     string
	sessionID    string
	lastActivity time.Time
}

func NewMemorySessionStore(timeout time.Duration) *MemorySessionStore {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &MemorySessionStore{timeout: timeout}
}

func (s *MemorySessionStore) ClientID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID == "" {
		s.clientID = uuid.NewString()
	}
	return s.clientID, nil
}

func (s *MemorySessionStore) SessionID(ctx context.Context, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" || now.Sub(s.lastActivity) > s.timeout {
		s.sessionID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	s.lastActivity = now
	return s.sessionID, nil
}

// RedisSessionStore shares analytics state between processes. The session
// key expires after the timeout and each use extends it.
type RedisSessionStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisSessionStore(client *redis.Client, prefix string, timeout time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = "llm_flow:analytics"
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &RedisSessionStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *RedisSessionStore) ClientID(ctx context.Context) (string, error) {
	key := s.prefix + ":client_id"
	if err := s.client.SetNX(ctx, key, uuid.NewString(), 0).Err(); err != nil {
		return "", fmt.Errorf("failed to store client id: %w", err)
	}
	id, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}
	return id, nil
}

func (s *RedisSessionStore) SessionID(ctx context.Context, now time.Time) (string, error) {
	key := s.prefix + ":session_id"
	fresh := strconv.FormatInt(now.UnixMilli(), 10)
	if err := s.client.SetNX(ctx, key, fresh, s.timeout).Err(); err != nil {
		return "", fmt.Errorf("failed to store session id: %w", err)
	}
	id, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read session id: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.timeout).Err(); err != nil {
		return "", fmt.Errorf("failed to extend session: %w", err)
	}
	return id, nil
}
