package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/task"
)

// DefaultSessionTTL is how long an agent conversation can be resumed.
const DefaultSessionTTL = 24 * time.Hour

// SessionStore remembers the agent CLI's conversation id per project and
// category so that later stages resume the same conversation.
type SessionStore interface {
	// Get returns the stored id, or "" when none is stored.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, sessionID string) error
}

// SessionKey returns the store key for a project's category conversation.
func SessionKey(projectID string, category task.Category) string {
	return fmt.Sprintf("%s:%s", projectID, category)
}

// MemorySessionStore keeps ids in process memory.
type MemorySessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	id      string
	expires time.Time
}

// NewMemorySessionStore creates a store whose entries expire after ttl.
// A ttl of 0 keeps entries forever.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemorySessionStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return "", nil
	}
	return e.id, nil
}

func (s *MemorySessionStore) Set(_ context.Context, key, sessionID string) error {
	if key == "" || sessionID == "" {
		return errors.NewValidationError("session key and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry{id: sessionID}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.entries[key] = e
	return nil
}

// RedisSessionStore keeps ids in Redis with a TTL, shared by every worker
// process using the same Redis.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore creates a store on client. Keys are namespaced under
// "foreman:sessions:".
func NewRedisSessionStore(client redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{client: client, prefix: "foreman:sessions:", ttl: ttl}
}

func (s *RedisSessionStore) Get(ctx context.Context, key string) (string, error) {
	id, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent session %s: %w", key, err)
	}
	return id, nil
}

func (s *RedisSessionStore) Set(ctx context.Context, key, sessionID string) error {
	if key == "" || sessionID == "" {
		return errors.NewValidationError("session key and id are required")
	}
	if err := s.client.Set(ctx, s.prefix+key, sessionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("set agent session %s: %w", key, err)
	}
	return nil
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ SessionStore = (*RedisSessionStore)(nil)
)
