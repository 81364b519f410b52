package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers which nonces a wallet has already used.
type NonceStore interface {
	// Use records nonce for wallet and reports whether it was unused.
	Use(ctx context.Context, wallet string, nonce int64, ttl time.Duration) (bool, error)
}

// MemoryNonceStore keeps used nonces in process memory.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	calls int
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// Use implements NonceStore.
func (s *MemoryNonceStore) Use(_ context.Context, wallet string, nonce int64, ttl time.Duration) (bool, error) {
	key := nonceKey(wallet, nonce)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls%256 == 0 {
		for k, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, k)
			}
		}
	}
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of tracked nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisNonceStore shares used nonces between gateway processes.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore wraps an existing client.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "solforge:nonce:"}
}

// Use implements NonceStore with SET NX so only the first caller wins.
func (s *RedisNonceStore) Use(ctx context.Context, wallet string, nonce int64, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+nonceKey(wallet, nonce), 1, ttl).Result()
}

func nonceKey(wallet string, nonce int64) string {
	return wallet + ":" + strconv.FormatInt(nonce, 10)
}
