// Package memory holds archived artifacts in process memory. It backs tests
// and deployments without object storage.
package memory

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// BlobStore keeps objects in a map keyed by path.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns an empty in-memory blob store.
func New() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// PutObject stores the data and returns a mem:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", trawler.Errorf("put object", trawler.KindValidation, "path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", trawler.E("put object", trawler.KindResource, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return "mem://" + path, nil
}

// Object returns the stored bytes for path, if any.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
