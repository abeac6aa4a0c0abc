package intent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheEntry is a Tier-1 cached decision, keyed by (policy_hash, signature).
// Every entry carries the policy_hash it was produced under so a reader can
// assert entry.PolicyHash == engine.PolicyHash() (§8).
type CacheEntry struct {
	PolicyHash string          `json:"policy_hash"`
	Tool       string          `json:"tool"`
	Params     map[string]string `json:"params"`
	Confidence float64         `json:"confidence"`
	Gap        *float64        `json:"gap,omitempty"`
	Reason     string          `json:"reason"`
}

// Cache is the Tier-1 intent cache contract. Reads are expected to be
// lock-free/cheap; writes may take a lock. TTL eviction is lazy.
type Cache interface {
	Get(ctx context.Context, policyHash, signature string) (CacheEntry, bool)
	Set(ctx context.Context, policyHash, signature string, entry CacheEntry, ttl time.Duration)
	// Clear drops every cached entry. Called after a policy reload; entries
	// under the old policy_hash could never be served under the new hash
	// anyway (the key includes policy_hash), so this is a memory-hygiene
	// step, not a correctness requirement.
	Clear(ctx context.Context)
}

type memoryCacheRecord struct {
	entry     CacheEntry
	expiresAt time.Time
}

// MemoryCache is the default, cold-start-empty, in-process Tier-1 cache
// (§5: "concurrent reads are lock-free; writes use a write lock").
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheRecord
	clock   func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheRecord), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func cacheKey(policyHash, signature string) string {
	return policyHash + "|" + signature
}

func (c *MemoryCache) Get(_ context.Context, policyHash, signature string) (CacheEntry, bool) {
	c.mu.RLock()
	rec, ok := c.entries[cacheKey(policyHash, signature)]
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	if !rec.expiresAt.After(c.clock()) {
		c.mu.Lock()
		delete(c.entries, cacheKey(policyHash, signature))
		c.mu.Unlock()
		return CacheEntry{}, false
	}
	if rec.entry.PolicyHash != policyHash {
		return CacheEntry{}, false
	}
	return rec.entry, true
}

func (c *MemoryCache) Set(_ context.Context, policyHash, signature string, entry CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	entry.PolicyHash = policyHash
	c.mu.Lock()
	c.entries[cacheKey(policyHash, signature)] = memoryCacheRecord{entry: entry, expiresAt: c.clock().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]memoryCacheRecord)
	c.mu.Unlock()
}

// DefaultCacheTTL matches the reference implementation's ORCH_INTENT_CACHE_TTL_SEC default.
const DefaultCacheTTL = 600 * time.Second

// RedisCache is the optional external Tier-1 cache backend, for
// deployments that run the orchestrator as more than one process sharing a
// cache (§6 "cache enabled/path/TTL").
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "intent_cache:"}
}

func (c *RedisCache) key(policyHash, signature string) string {
	return c.prefix + policyHash + ":" + signature
}

func (c *RedisCache) Get(ctx context.Context, policyHash, signature string) (CacheEntry, bool) {
	raw, err := c.client.Get(ctx, c.key(policyHash, signature)).Bytes()
	if err != nil {
		return CacheEntry{}, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CacheEntry{}, false
	}
	if entry.PolicyHash != policyHash {
		return CacheEntry{}, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, policyHash, signature string, entry CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	entry.PolicyHash = policyHash
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(policyHash, signature), raw, ttl).Err()
}

func (c *RedisCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		_ = c.client.Del(ctx, keys...).Err()
	}
}
