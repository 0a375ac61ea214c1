package trawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs and provides the atomic claim primitive the worker
// pool depends on. Claim ordering is priority descending, then created_at
// ascending.
type JobStore interface {
	// CreateJob persists a new pending job.
	CreateJob(ctx context.Context, job *Job) error
	// GetJob returns the job or (nil, nil) when unknown.
	GetJob(ctx context.Context, id string) (*Job, error)
	// ClaimNext atomically transitions the best pending job to running and
	// returns it. Returns (nil, nil) when nothing is claimable. At most one
	// caller can claim a given job.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	// MarkCompleted finishes a running job with its result payload.
	MarkCompleted(ctx context.Context, id string, result []byte, now time.Time) error
	// MarkFailed finishes a running job with a terminal error message.
	MarkFailed(ctx context.Context, id string, errMsg string, now time.Time) error
	// Requeue returns a running job to pending with retry_count incremented,
	// recording the error that caused the retry.
	Requeue(ctx context.Context, id string, errMsg string, now time.Time) error
	// Cancel transitions a pending or running job to cancelled. Returns false
	// when the job is unknown or already terminal.
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	// ListJobs returns jobs matching the filter, ordered by priority
	// descending then created_at ascending.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// DeleteTerminatedBefore removes terminal jobs completed before cutoff
	// and returns the number removed.
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// CountByStatus returns job counts grouped by status.
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
}

// CacheStore persists cache entries keyed by their content-addressed key.
type CacheStore interface {
	// GetEntry returns the entry or (nil, nil) on a miss.
	GetEntry(ctx context.Context, key string) (*CacheEntry, error)
	// PutEntry upserts the entry in place.
	PutEntry(ctx context.Context, entry *CacheEntry) error
	// DeleteEntry removes the entry if present.
	DeleteEntry(ctx context.Context, key string) error
	// TouchEntry bumps the access counter and last-accessed time.
	TouchEntry(ctx context.Context, key string, now time.Time) error
	// DeleteExpired removes entries whose TTL elapsed before now and returns
	// the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// Stats summarizes the store.
	Stats(ctx context.Context, now time.Time) (CacheStats, error)
}

// SessionStore persists sessions behind the in-memory registry.
type SessionStore interface {
	// PutSession upserts the session record.
	PutSession(ctx context.Context, session *Session) error
	// GetSession returns the session or (nil, nil) when unknown.
	GetSession(ctx context.Context, id string) (*Session, error)
	// DeleteSession removes the session, reporting whether it existed.
	DeleteSession(ctx context.Context, id string) (bool, error)
	// DeleteExpiredSessions removes sessions idle past idleTimeout at now and
	// returns the number removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time, idleTimeout time.Duration) (int64, error)
}

// FetchClient performs one page fetch. Transport-level failures may surface
// either as an error or as a FetchResult with Success=false and a
// FailureKind set; the orchestrator handles both.
type FetchClient interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// Publisher emits fire-and-forget events (job completions). Implementations
// must not block the core path beyond the context deadline.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives large artifacts (crawl result dumps) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher produces hex digests for cache-key derivation.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints opaque unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
