// Package memory provides map-backed stores for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// JobStore keeps jobs in a mutex-guarded map. Claiming runs entirely under
// the write lock, so at-most-one-claim holds without a conditional update.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*trawler.Job
}

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*trawler.Job)}
}

// CreateJob persists a new pending job.
func (s *JobStore) CreateJob(_ context.Context, job *trawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return trawler.Errorf("create job", trawler.KindValidation, "job %q already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns a copy of the job, or (nil, nil) when unknown.
func (s *JobStore) GetJob(_ context.Context, id string) (*trawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

// ClaimNext marks the highest-priority oldest pending job running and
// returns it, or (nil, nil) when nothing is claimable.
func (s *JobStore) ClaimNext(_ context.Context, now time.Time) (*trawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *trawler.Job
	for _, job := range s.jobs {
		if job.Status != trawler.JobPending {
			continue
		}
		if best == nil || claimBefore(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = trawler.JobRunning
	started := now
	best.StartedAt = &started
	return cloneJob(best), nil
}

func claimBefore(a, b *trawler.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MarkCompleted finishes a running job with its result.
func (s *JobStore) MarkCompleted(_ context.Context, id string, result []byte, now time.Time) error {
	return s.finish(id, func(job *trawler.Job) {
		job.Status = trawler.JobCompleted
		job.Result = append([]byte(nil), result...)
		job.ErrorMessage = ""
		done := now
		job.CompletedAt = &done
	})
}

// MarkFailed finishes a running job with a terminal error message.
func (s *JobStore) MarkFailed(_ context.Context, id string, errMsg string, now time.Time) error {
	return s.finish(id, func(job *trawler.Job) {
		job.Status = trawler.JobFailed
		job.ErrorMessage = errMsg
		done := now
		job.CompletedAt = &done
	})
}

// Requeue returns a running job to pending with the retry counter bumped.
func (s *JobStore) Requeue(_ context.Context, id string, errMsg string, _ time.Time) error {
	return s.finish(id, func(job *trawler.Job) {
		job.Status = trawler.JobPending
		job.ErrorMessage = errMsg
		job.RetryCount++
		job.StartedAt = nil
	})
}

func (s *JobStore) finish(id string, apply func(*trawler.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return trawler.Errorf("update job", trawler.KindResource, "job %q not found", id)
	}
	// A cancel that landed while the handler ran wins; the late update is
	// dropped so the terminal state stays monotonic.
	if job.Status == trawler.JobCancelled {
		return nil
	}
	apply(job)
	return nil
}

// Cancel transitions a pending or running job to cancelled.
func (s *JobStore) Cancel(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = trawler.JobCancelled
	done := now
	job.CompletedAt = &done
	return true, nil
}

// ListJobs returns matching jobs ordered by priority desc, created_at asc.
func (s *JobStore) ListJobs(_ context.Context, filter trawler.JobFilter) ([]*trawler.Job, error) {
	s.mu.RLock()
	matched := make([]*trawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return claimBefore(matched[i], matched[j]) })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// DeleteTerminatedBefore removes terminal jobs completed before cutoff.
func (s *JobStore) DeleteTerminatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// CountByStatus returns job counts grouped by status.
func (s *JobStore) CountByStatus(_ context.Context) (map[trawler.JobStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[trawler.JobStatus]int64)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func cloneJob(job *trawler.Job) *trawler.Job {
	out := *job
	out.Payload = append([]byte(nil), job.Payload...)
	out.Result = append([]byte(nil), job.Result...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
