package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores computed embeddings keyed by model and text.
type Cache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, vector []float32) error
}

// CacheStats reports hit rates, exported through the metrics package.
type CacheStats struct {
	Hits   int64
	Misses int64
}

// StatsReporter is implemented by caches that track hit rates.
type StatsReporter interface {
	Stats() CacheStats
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// RedisCache is a Redis-backed embedding cache with TTL expiry. Embeddings
// are immutable for a given model+text, so a long TTL is safe.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	stats CacheStats
}

// RedisCacheConfig configures the Redis connection.
type RedisCacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NewRedisCache connects and pings the Redis server.
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig, logger *slog.Logger) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("embedding: redis addr is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("embedding: connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With("component", "embedding-redis-cache"),
	}, nil
}

// Get implements Cache. Cache errors degrade to a miss.
func (c *RedisCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	payload, err := c.client.Get(ctx, cacheKey(model, text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", "error", err)
		}
		c.count(false)
		return nil, false
	}
	var vector []float32
	if err := json.Unmarshal(payload, &vector); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "error", err)
		c.client.Del(ctx, cacheKey(model, text))
		c.count(false)
		return nil, false
	}
	c.count(true)
	return vector, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, model, text string, vector []float32) error {
	payload, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("embedding: marshaling cache entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(model, text), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("embedding: cache set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }

// Stats returns a snapshot of hit/miss counters.
func (c *RedisCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *RedisCache) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
}

// MemoryCache is an LRU cache used when no Redis is configured.
type MemoryCache struct {
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	stats   CacheStats
}

type memoryEntry struct {
	key    string
	vector []float32
}

// NewMemoryCache creates an LRU cache holding at most capacity vectors.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[cacheKey(model, text)]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*memoryEntry).vector, true
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, model, text string, vector []float32) error {
	key := cacheKey(model, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*memoryEntry).vector = vector
		c.order.MoveToFront(elem)
		return nil
	}
	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, vector: vector})
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Stats returns a snapshot of hit/miss counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// CachedClient wraps a Client with a Cache.
type CachedClient struct {
	inner Client
	cache Cache
}

// NewCachedClient wraps inner so repeated texts skip the inference service.
func NewCachedClient(inner Client, cache Cache) *CachedClient {
	return &CachedClient{inner: inner, cache: cache}
}

// ModelName implements Client.
func (c *CachedClient) ModelName() string { return c.inner.ModelName() }

// Dimension implements Client.
func (c *CachedClient) Dimension() int { return c.inner.Dimension() }

// EmbedQuery implements Client.
func (c *CachedClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := c.cache.Get(ctx, c.inner.ModelName(), text); ok {
		return vector, nil
	}
	vector, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, c.inner.ModelName(), text, vector)
	return vector, nil
}

// EmbedDocuments implements Client. Only texts missing from the cache are
// sent to the inference service; results merge back in input order.
func (c *CachedClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if vector, ok := c.cache.Get(ctx, c.inner.ModelName(), text); ok {
			out[i] = vector
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vectors, err := c.inner.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vector := range vectors {
		out[missingIdx[j]] = vector
		_ = c.cache.Set(ctx, c.inner.ModelName(), missing[j], vector)
	}
	return out, nil
}
