package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// CacheStore implements trawler.CacheStore on Postgres.
type CacheStore struct {
	pool dbConn
}

// NewCacheStore wraps an existing pool. Pass a pgxmock pool in tests.
func NewCacheStore(pool dbConn) (*CacheStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CacheStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CacheStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetEntry returns the entry or (nil, nil) on a miss.
func (s *CacheStore) GetEntry(ctx context.Context, key string) (*trawler.CacheEntry, error) {
	query := `
SELECT key, url, value, data_type, expires_at, access_count, created_at, last_accessed
FROM cache_entries WHERE key = $1`
	var (
		entry trawler.CacheEntry
		value []byte
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.URL, &value, &entry.DataType,
		&entry.ExpiresAt, &entry.AccessCount, &entry.CreatedAt, &entry.LastAccessed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	entry.Value = value
	return &entry, nil
}

// PutEntry upserts the entry in place.
func (s *CacheStore) PutEntry(ctx context.Context, entry *trawler.CacheEntry) error {
	query := `
INSERT INTO cache_entries (key, url, value, data_type, expires_at, access_count, created_at, last_accessed)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (key) DO UPDATE SET
	url = EXCLUDED.url,
	value = EXCLUDED.value,
	data_type = EXCLUDED.data_type,
	expires_at = EXCLUDED.expires_at,
	last_accessed = EXCLUDED.last_accessed`
	_, err := s.pool.Exec(ctx, query,
		entry.Key, entry.URL, []byte(entry.Value), entry.DataType,
		entry.ExpiresAt, entry.AccessCount, entry.CreatedAt, entry.LastAccessed,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the entry if present.
func (s *CacheStore) DeleteEntry(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// TouchEntry bumps the access counter and last-accessed time.
func (s *CacheStore) TouchEntry(ctx context.Context, key string, now time.Time) error {
	query := `
UPDATE cache_entries SET access_count = access_count + 1, last_accessed = $2
WHERE key = $1`
	if _, err := s.pool.Exec(ctx, query, key, now); err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries whose TTL elapsed before now.
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < $1`
	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("cleanup cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats summarizes the store.
func (s *CacheStore) Stats(ctx context.Context, now time.Time) (trawler.CacheStats, error) {
	query := `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE expires_at IS NOT NULL AND expires_at < $1)
FROM cache_entries`
	var stats trawler.CacheStats
	if err := s.pool.QueryRow(ctx, query, now).Scan(&stats.Entries, &stats.Expired); err != nil {
		return trawler.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}
