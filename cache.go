package learnsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a stored HTTP response. Tag names the download that
// caused it to be cached; core assets and browsing copies have none.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
	Tag      string      `json:"tag,omitempty"`
}

// CacheStore holds responses keyed by request URI.
type CacheStore interface {
	Match(ctx context.Context, key string) (*CachedResponse, bool)
	Put(ctx context.Context, key string, r *CachedResponse) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// ============================================================================
// MemoryCache
// ============================================================================

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*CachedResponse)}
}

func (c *MemoryCache) Match(_ context.Context, key string) (*CachedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	return &cp, true
}

func (c *MemoryCache) Put(_ context.Context, key string, r *CachedResponse) error {
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cp
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ============================================================================
// RedisCache
// ============================================================================

// RedisCache stores one JSON value per key and tracks keys in a set so the
// cache can be enumerated without SCAN.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache uses prefix to namespace keys; empty means "learnsync:cache".
func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "learnsync:cache"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) entryKey(key string) string { return c.prefix + ":e:" + key }
func (c *RedisCache) indexKey() string           { return c.prefix + ":keys" }

func (c *RedisCache) Match(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := c.rdb.Get(ctx, c.entryKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var r CachedResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (c *RedisCache) Put(ctx context.Context, key string, r *CachedResponse) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.entryKey(key), raw, 0)
		p.SAdd(ctx, c.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache put %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, c.entryKey(key))
		p.SRem(ctx, c.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache delete %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.rdb.SMembers(ctx, c.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
