// Package gcs archives crawl artifacts in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// Config captures the parameters required to reach the archive bucket.
type Config struct {
	Bucket string
}

// BlobStore writes artifacts to a GCS bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New creates a GCS-backed blob store. The bucket is probed up front so a
// misconfigured deployment fails at startup rather than on the first
// archive.
func New(ctx context.Context, client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, trawler.Errorf("new blob store", trawler.KindConfiguration, "storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, trawler.Errorf("new blob store", trawler.KindConfiguration, "bucket name is required")
	}
	bucket := client.Bucket(cfg.Bucket)
	if _, err := bucket.Attrs(ctx); err != nil {
		return nil, trawler.E("new blob store", trawler.KindConfiguration, fmt.Errorf("bucket %q: %w", cfg.Bucket, err))
	}
	return &BlobStore{bucket: bucket, name: cfg.Bucket}, nil
}

// PutObject uploads data under path and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", trawler.Errorf("put object", trawler.KindValidation, "path is required")
	}

	w := s.bucket.Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", trawler.E("put object", trawler.KindResource, err)
	}
	if err := w.Close(); err != nil {
		return "", trawler.E("put object", trawler.KindResource, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, path), nil
}
