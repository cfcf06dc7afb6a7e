package shield

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// Cache memoizes decisions and hierarchy lookups. Values are stored as
// JSON so backends are interchangeable; Get decodes into out and reports
// whether a live entry existed. DeletePattern removes every key matching
// a '*'-wildcard pattern and must complete before the mutating call that
// triggered it returns.
type Cache interface {
	Get(ctx context.Context, key string, out any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	DeletePattern(ctx context.Context, pattern string)
	Clear(ctx context.Context)
}

func matchKeyPattern(key, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(key, pattern[:i]) && strings.HasSuffix(key, pattern[i+1:])
	}
	return key == pattern
}

// ============================================================================
// MEMORY CACHE
// ============================================================================

type memoryCacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is the default in-process cache: a TTL map with lazy
// eviction on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string, out any) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false
	}
	return json.Unmarshal(entry.data, out) == nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = memoryCacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) DeletePattern(_ context.Context, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if matchKeyPattern(k, pattern) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]memoryCacheEntry)
	c.mu.Unlock()
}

// ============================================================================
// RISTRETTO CACHE
// ============================================================================

// RistrettoCache wraps a ristretto cache. Ristretto cannot enumerate its
// keys, so DeletePattern degrades to a full clear; correctness over
// retention, since a stale allow is the expensive failure.
type RistrettoCache struct {
	cache *ristretto.Cache
}

func NewRistrettoCache(numCounters, maxCost, bufferItems int64) (*RistrettoCache, error) {
	if numCounters <= 0 {
		numCounters = 1e6
	}
	if maxCost <= 0 {
		maxCost = 1 << 26
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: c}, nil
}

func (c *RistrettoCache) Get(_ context.Context, key string, out any) bool {
	v, ok := c.cache.Get(key)
	if !ok {
		return false
	}
	data, ok := v.([]byte)
	if !ok {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (c *RistrettoCache) Set(_ context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.cache.SetWithTTL(key, data, int64(len(data)), ttl)
	c.cache.Wait()
}

func (c *RistrettoCache) DeletePattern(_ context.Context, _ string) {
	c.cache.Clear()
}

func (c *RistrettoCache) Clear(_ context.Context) {
	c.cache.Clear()
}

// ============================================================================
// REDIS CACHE
// ============================================================================

// RedisCache shares decisions across processes. Keys are namespaced with
// a prefix; pattern invalidation walks SCAN so it stays safe on large
// keyspaces.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "shield:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string, out any) bool {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+pattern, 256).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			_ = c.client.Del(ctx, keys...).Err()
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *RedisCache) Clear(ctx context.Context) {
	c.DeletePattern(ctx, "*")
}

// Cache key builders. Decision keys bucket time to the minute so a
// cached verdict never outlives its schedule by more than the bucket.
func decisionKey(userID, permission, resourceType, resourceID string, at time.Time) string {
	var b strings.Builder
	b.WriteString("decision:")
	b.WriteString(userID)
	b.WriteByte(':')
	b.WriteString(permission)
	b.WriteByte(':')
	b.WriteString(resourceType)
	b.WriteByte(':')
	b.WriteString(resourceID)
	b.WriteByte(':')
	b.WriteString(time.Unix(at.Unix()/60*60, 0).UTC().Format("200601021504"))
	return b.String()
}

func rolePermsKey(roleID string) string     { return "roleperms:" + roleID }
func hierarchyKey(resourceID string) string { return "hierarchy:" + resourceID }
