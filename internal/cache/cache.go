// Package cache provides the content-addressed result cache. Keys are
// derived from the URL plus the cache-relevant option subset, so two
// requests differing only in timeouts or retry budgets share an entry.
package cache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// keyShards bounds the lock table. Keys hash into a fixed set of shard
// locks instead of growing a per-key lock map without limit.
const keyShards = 64

const dataTypeScrapeResult = "scrape_result"

// Cache serializes same-key reads and writes and enforces TTL expiry on top
// of a CacheStore.
type Cache struct {
	store      trawler.CacheStore
	hasher     trawler.Hasher
	clock      trawler.Clock
	defaultTTL time.Duration
	logger     *zap.Logger

	shards [keyShards]sync.Mutex
}

// New creates a Cache. ttl is the fallback applied when a put carries no TTL.
func New(store trawler.CacheStore, hasher trawler.Hasher, clock trawler.Clock, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		store:      store,
		hasher:     hasher,
		clock:      clock,
		defaultTTL: ttl,
		logger:     logger,
	}
}

// Key derives the cache key for a request: a SHA-256 digest of the canonical
// input, truncated to 32 hex characters.
func (c *Cache) Key(url string, opts trawler.ScrapeOptions) (string, error) {
	digest, err := c.hasher.Hash([]byte(trawler.CacheKeyInput(url, opts)))
	if err != nil {
		return "", trawler.E("cache key", trawler.KindResource, err)
	}
	return digest[:32], nil
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%keyShards]
}

// Get returns the cached payload for (url, opts), or (nil, nil) on a miss.
// Entries found expired are deleted on the spot and reported as misses.
func (c *Cache) Get(ctx context.Context, url string, opts trawler.ScrapeOptions) (json.RawMessage, error) {
	key, err := c.Key(url, opts)
	if err != nil {
		return nil, err
	}
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	entry, err := c.store.GetEntry(ctx, key)
	if err != nil {
		return nil, trawler.E("cache get", trawler.KindResource, err)
	}
	if entry == nil {
		return nil, nil
	}
	now := c.clock.Now()
	if entry.Expired(now) {
		if err := c.store.DeleteEntry(ctx, key); err != nil {
			c.logger.Warn("failed to delete expired cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	if err := c.store.TouchEntry(ctx, key, now); err != nil {
		c.logger.Warn("failed to touch cache entry", zap.String("key", key), zap.Error(err))
	}
	return entry.Value, nil
}

// Put upserts the payload for (url, opts). A non-positive ttl falls back to
// the configured default.
func (c *Cache) Put(ctx context.Context, url string, opts trawler.ScrapeOptions, value json.RawMessage, ttl time.Duration) error {
	key, err := c.Key(url, opts)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.clock.Now()
	expires := now.Add(ttl)

	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.store.GetEntry(ctx, key)
	if err != nil {
		return trawler.E("cache put", trawler.KindResource, err)
	}
	entry := &trawler.CacheEntry{
		Key:          key,
		URL:          url,
		Value:        value,
		DataType:     dataTypeScrapeResult,
		ExpiresAt:    &expires,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if existing != nil {
		entry.CreatedAt = existing.CreatedAt
		entry.AccessCount = existing.AccessCount
	}
	if err := c.store.PutEntry(ctx, entry); err != nil {
		return trawler.E("cache put", trawler.KindResource, err)
	}
	return nil
}

// CleanupExpired removes all expired entries and returns the count removed.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	removed, err := c.store.DeleteExpired(ctx, c.clock.Now())
	if err != nil {
		return 0, trawler.E("cache cleanup", trawler.KindResource, err)
	}
	return removed, nil
}

// Stats summarizes the backing store.
func (c *Cache) Stats(ctx context.Context) (trawler.CacheStats, error) {
	stats, err := c.store.Stats(ctx, c.clock.Now())
	if err != nil {
		return trawler.CacheStats{}, trawler.E("cache stats", trawler.KindResource, err)
	}
	return stats, nil
}
