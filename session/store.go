package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/transport-identity/keycloak"
)

// DefaultSessionTTL matches Keycloak's default SSO session idle timeout.
const DefaultSessionTTL = 30 * time.Minute

var (
	_ keycloak.TokenStore       = (*MemoryTokenStore)(nil)
	_ keycloak.TokenStore       = (*RedisTokenStore)(nil)
	_ keycloak.AuthRequestStore = (*MemoryTokenStore)(nil)
	_ keycloak.AuthRequestStore = (*RedisTokenStore)(nil)
)

// MemoryTokenStore keeps the token pair and pending logins in process memory.
type MemoryTokenStore struct {
	*keycloak.MemoryAuthRequests

	mu   sync.Mutex
	pair *keycloak.TokenPair
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{MemoryAuthRequests: keycloak.NewMemoryAuthRequests()}
}

func (s *MemoryTokenStore) Load(_ context.Context) (*keycloak.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return nil, keycloak.ErrNoSession
	}
	cp := *s.pair
	return &cp, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, pair *keycloak.TokenPair) error {
	if pair == nil {
		return errors.New("token pair cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pair
	s.pair = &cp
	return nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
	return nil
}

// RedisTokenStore persists the token pair under one key so that several
// client processes can share a session. Pending logins live under
// key:login:<state> so a login started by one process can be finished by
// another.
type RedisTokenStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisTokenStore creates a store. ttl should match the refresh token
// lifetime; zero uses DefaultSessionTTL.
func NewRedisTokenStore(client redis.UniversalClient, key string, ttl time.Duration) (*RedisTokenStore, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisTokenStore{client: client, key: key, ttl: ttl}, nil
}

func (s *RedisTokenStore) Load(ctx context.Context) (*keycloak.TokenPair, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, keycloak.ErrNoSession
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var pair keycloak.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &pair, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, pair *keycloak.TokenPair) error {
	if pair == nil {
		return errors.New("token pair cannot be nil")
	}
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) loginKey(state string) string {
	return s.key + ":login:" + state
}

func (s *RedisTokenStore) SaveAuthRequest(ctx context.Context, state, verifier string) error {
	if err := s.client.Set(ctx, s.loginKey(state), verifier, keycloak.AuthRequestTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) TakeAuthRequest(ctx context.Context, state string) (string, error) {
	verifier, err := s.client.GetDel(ctx, s.loginKey(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", keycloak.ErrUnknownState
		}
		return "", fmt.Errorf("redis getdel: %w", err)
	}
	return verifier, nil
}
