package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// CacheStore keeps cache entries in a mutex-guarded map.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]*trawler.CacheEntry
}

// NewCacheStore creates an empty CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[string]*trawler.CacheEntry)}
}

// GetEntry returns a copy of the entry, or (nil, nil) on a miss.
func (s *CacheStore) GetEntry(_ context.Context, key string) (*trawler.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return cloneEntry(entry), nil
}

// PutEntry upserts the entry.
func (s *CacheStore) PutEntry(_ context.Context, entry *trawler.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = cloneEntry(entry)
	return nil
}

// DeleteEntry removes the entry if present.
func (s *CacheStore) DeleteEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// TouchEntry bumps the access counter and last-accessed time.
func (s *CacheStore) TouchEntry(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		entry.AccessCount++
		entry.LastAccessed = now
	}
	return nil
}

// DeleteExpired removes entries whose TTL elapsed before now.
func (s *CacheStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Stats summarizes the store.
func (s *CacheStore) Stats(_ context.Context, now time.Time) (trawler.CacheStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := trawler.CacheStats{Entries: int64(len(s.entries))}
	for _, entry := range s.entries {
		if entry.Expired(now) {
			stats.Expired++
		}
	}
	return stats, nil
}

func cloneEntry(entry *trawler.CacheEntry) *trawler.CacheEntry {
	out := *entry
	out.Value = append([]byte(nil), entry.Value...)
	if entry.ExpiresAt != nil {
		t := *entry.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
