package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/hash/sha256"
	"github.com/trawlerhq/trawler/internal/store/memory"
	"github.com/trawlerhq/trawler/internal/trawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := New(memory.NewCacheStore(), sha256.New(), clock, time.Hour, zap.NewNop())
	return c, clock
}

func TestKeyDeterministicAndOptionSensitive(t *testing.T) {
	c, _ := newTestCache(t)
	opts := trawler.DefaultScrapeOptions()

	k1, err := c.Key("https://example.com", opts)
	require.NoError(t, err)
	k2, err := c.Key("https://example.com", opts)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)

	// Irrelevant fields must not move the key.
	loose := opts
	loose.Timeout = 5 * time.Minute
	loose.RetryCount = 9
	loose.UserAgent = "other"
	k3, err := c.Key("https://example.com", loose)
	require.NoError(t, err)
	require.Equal(t, k1, k3)

	// Cache-relevant fields must.
	selector := opts
	selector.CSSSelector = "article"
	k4, err := c.Key("https://example.com", selector)
	require.NoError(t, err)
	require.NotEqual(t, k1, k4)

	k5, err := c.Key("https://example.com/other", opts)
	require.NoError(t, err)
	require.NotEqual(t, k1, k5)
}

func TestGetPutRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	opts := trawler.DefaultScrapeOptions()

	miss, err := c.Get(ctx, "https://example.com", opts)
	require.NoError(t, err)
	require.Nil(t, miss)

	require.NoError(t, c.Put(ctx, "https://example.com", opts, []byte(`{"title":"x"}`), time.Hour))

	hit, err := c.Get(ctx, "https://example.com", opts)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"x"}`, string(hit))
}

func TestExpiredEntryDeletedOnRead(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCacheStore()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := New(store, sha256.New(), clock, time.Hour, zap.NewNop())
	opts := trawler.DefaultScrapeOptions()

	require.NoError(t, c.Put(ctx, "https://example.com", opts, []byte(`{}`), time.Minute))
	clock.Advance(2 * time.Minute)

	miss, err := c.Get(ctx, "https://example.com", opts)
	require.NoError(t, err)
	require.Nil(t, miss)

	// The read must have removed the entry, not just skipped it.
	key, err := c.Key("https://example.com", opts)
	require.NoError(t, err)
	raw, err := store.GetEntry(ctx, key)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestPutPreservesCreatedAtAndAccessCount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCacheStore()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := New(store, sha256.New(), clock, time.Hour, zap.NewNop())
	opts := trawler.DefaultScrapeOptions()

	require.NoError(t, c.Put(ctx, "https://example.com", opts, []byte(`{"v":1}`), time.Hour))
	created := clock.Now()

	_, err := c.Get(ctx, "https://example.com", opts)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	require.NoError(t, c.Put(ctx, "https://example.com", opts, []byte(`{"v":2}`), time.Hour))

	key, err := c.Key("https://example.com", opts)
	require.NoError(t, err)
	entry, err := store.GetEntry(ctx, key)
	require.NoError(t, err)
	require.Equal(t, created, entry.CreatedAt)
	require.Equal(t, 1, entry.AccessCount)
	require.JSONEq(t, `{"v":2}`, string(entry.Value))
}

func TestPutZeroTTLUsesDefault(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCacheStore()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := New(store, sha256.New(), clock, 30*time.Minute, zap.NewNop())
	opts := trawler.DefaultScrapeOptions()

	require.NoError(t, c.Put(ctx, "https://example.com", opts, []byte(`{}`), 0))

	key, err := c.Key("https://example.com", opts)
	require.NoError(t, err)
	entry, err := store.GetEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	require.Equal(t, clock.Now().Add(30*time.Minute), *entry.ExpiresAt)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t)
	opts := trawler.DefaultScrapeOptions()

	require.NoError(t, c.Put(ctx, "https://a.com", opts, []byte(`{}`), time.Minute))
	require.NoError(t, c.Put(ctx, "https://b.com", opts, []byte(`{}`), time.Hour))
	clock.Advance(10 * time.Minute)

	removed, err := c.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Entries)
}

func TestConcurrentSameKeyAccess(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	opts := trawler.DefaultScrapeOptions()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Put(ctx, "https://example.com", opts, []byte(`{"n":1}`), time.Hour)
			_, _ = c.Get(ctx, "https://example.com", opts)
		}()
	}
	wg.Wait()

	hit, err := c.Get(ctx, "https://example.com", opts)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(hit))
}
