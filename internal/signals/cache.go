// Package signals caches the latest evaluated context score per identity so
// the decision engine reads a fast local view instead of re-scoring on every
// request. Backed by Redis when available; falls back to an in-memory store
// so a cache outage degrades latency, not correctness.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusgate/backend/internal/core"
)

// Store is the minimal keyed-blob interface the cache needs. Both the Redis
// adapter and the in-memory fallback satisfy it.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// RedisStore wraps go-redis v9.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings. The caller decides whether a connection
// error means falling back to memory.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// MemoryStore is the fallback when Redis is unreachable.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem)}
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires := time.Time{}
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.items[key] = memoryItem{value: value, expires: expires}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return item.value, true, nil
}

// Cache holds the latest context score per identity with a TTL, so a stale
// context never satisfies a fresh access request.
type Cache struct {
	store Store
	ttl   time.Duration
}

// NewCache wraps a store. Zero TTL defaults to 10 minutes.
func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{store: store, ttl: ttl}
}

func contextKey(userID string) string {
	return "ctx:" + userID
}

// Put stores the latest evaluated context score for an identity.
func (c *Cache) Put(ctx context.Context, userID string, score core.ContextScore) error {
	payload, err := json.Marshal(score)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, contextKey(userID), payload, c.ttl); err != nil {
		return fmt.Errorf("cache context for %s: %w", userID, err)
	}
	return nil
}

// LatestContext returns the cached score for an identity. A cache miss or a
// store failure both read as "no signal"; the decision engine treats that as
// a degraded input and steps up.
func (c *Cache) LatestContext(userID string) (core.ContextScore, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, ok, err := c.store.Get(ctx, contextKey(userID))
	if err != nil {
		slog.Warn("context cache read failed", "user_id", userID, "error", err)
		return core.ContextScore{}, false
	}
	if !ok {
		return core.ContextScore{}, false
	}

	var score core.ContextScore
	if err := json.Unmarshal(payload, &score); err != nil {
		slog.Warn("context cache payload corrupt", "user_id", userID, "error", err)
		return core.ContextScore{}, false
	}
	return score, true
}
