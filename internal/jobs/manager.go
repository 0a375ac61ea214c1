// Package jobs implements the asynchronous job queue: submission, a worker
// pool that claims jobs exclusively through the store's atomic claim, retry
// accounting, and completion events.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/metrics"
	"github.com/trawlerhq/trawler/internal/trawler"
)

const (
	// DefaultMaxRetries is the retry budget for jobs that do not set one.
	DefaultMaxRetries = 3

	defaultWorkers   = 4
	defaultIdlePoll  = time.Second
	defaultTopic     = "trawler.jobs"
	finalizeDeadline = 10 * time.Second
)

// Handler executes one claimed job and returns its result payload. A
// returned error with a retryable kind requeues the job while budget
// remains; anything else fails it terminally.
type Handler func(ctx context.Context, job *trawler.Job) (json.RawMessage, error)

// Config tunes a Manager.
type Config struct {
	Workers  int
	IdlePoll time.Duration
	Topic    string
}

// Manager owns the job lifecycle end to end.
type Manager struct {
	store     trawler.JobStore
	publisher trawler.Publisher
	clock     trawler.Clock
	ids       trawler.IDGenerator
	logger    *zap.Logger
	workers   int
	idlePoll  time.Duration
	topic     string

	mu       sync.RWMutex
	handlers map[trawler.JobType]Handler

	stopClaims context.CancelFunc
	stopRuns   context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a Manager. publisher may be nil to disable completion
// events.
func NewManager(store trawler.JobStore, publisher trawler.Publisher, clock trawler.Clock, ids trawler.IDGenerator, cfg Config, logger *zap.Logger) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	idlePoll := cfg.IdlePoll
	if idlePoll <= 0 {
		idlePoll = defaultIdlePoll
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		workers:   workers,
		idlePoll:  idlePoll,
		topic:     topic,
		handlers:  make(map[trawler.JobType]Handler),
	}
}

// RegisterHandler binds a handler to a job type. Submission of a type
// without a handler is rejected, which keeps the type set closed.
func (m *Manager) RegisterHandler(jobType trawler.JobType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = h
}

func (m *Manager) handler(jobType trawler.JobType) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[jobType]
	return h, ok
}

// Submit validates and persists a new pending job.
func (m *Manager) Submit(ctx context.Context, jobType trawler.JobType, payload json.RawMessage, priority, maxRetries int) (*trawler.Job, error) {
	if _, ok := m.handler(jobType); !ok {
		return nil, trawler.Errorf("submit job", trawler.KindValidation, "no handler registered for job type %q", jobType)
	}
	if len(payload) == 0 {
		return nil, trawler.Errorf("submit job", trawler.KindValidation, "payload is required")
	}
	if !json.Valid(payload) {
		return nil, trawler.Errorf("submit job", trawler.KindValidation, "payload is not valid JSON")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	id, err := m.ids.NewID()
	if err != nil {
		return nil, trawler.E("submit job", trawler.KindResource, err)
	}
	job := &trawler.Job{
		ID:         id,
		Type:       jobType,
		Status:     trawler.JobPending,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  m.clock.Now(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.ObserveJob(string(trawler.JobPending))
	m.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("type", string(jobType)),
		zap.Int("priority", priority))
	return job, nil
}

// Start launches the worker pool. Claiming stops when ctx is cancelled or
// Stop is called; in-flight handlers keep a separate context so they can run
// out the grace period.
func (m *Manager) Start(ctx context.Context) {
	runCtx, stopRuns := context.WithCancel(context.WithoutCancel(ctx))
	claimCtx, stopClaims := context.WithCancel(ctx)
	m.stopRuns = stopRuns
	m.stopClaims = stopClaims
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(claimCtx, runCtx, i)
	}
	m.logger.Info("worker pool started", zap.Int("workers", m.workers))
}

// Stop ceases claiming, waits up to grace for in-flight handlers to settle,
// and only then force-cancels stragglers. Returns false when stragglers were
// abandoned.
func (m *Manager) Stop(grace time.Duration) bool {
	if m.stopClaims != nil {
		m.stopClaims()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if m.stopRuns != nil {
			m.stopRuns()
		}
		m.logger.Info("worker pool stopped")
		return true
	case <-time.After(grace):
		if m.stopRuns != nil {
			m.stopRuns()
		}
		m.logger.Warn("worker pool shutdown timed out", zap.Duration("grace", grace))
		return false
	}
}

func (m *Manager) worker(claimCtx, runCtx context.Context, n int) {
	defer m.wg.Done()
	logger := m.logger.With(zap.Int("worker", n))
	for {
		select {
		case <-claimCtx.Done():
			return
		default:
		}

		job, err := m.store.ClaimNext(claimCtx, m.clock.Now())
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			logger.Error("claim failed", zap.Error(err))
			if sleepErr := sleepCtx(claimCtx, m.idlePoll); sleepErr != nil {
				return
			}
			continue
		}
		if job == nil {
			if sleepErr := sleepCtx(claimCtx, m.idlePoll); sleepErr != nil {
				return
			}
			continue
		}
		m.runJob(runCtx, logger, job)
	}
}

// runJob executes one claimed job and converts the outcome into a job-state
// transition. Handler errors and panics never escape to the worker loop.
func (m *Manager) runJob(ctx context.Context, logger *zap.Logger, job *trawler.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	metrics.ObserveJob(string(trawler.JobRunning))

	result, err := m.invoke(ctx, job)

	// State transitions are allowed to finish even when the worker context
	// is being torn down, so the store never holds a half-written job.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeDeadline)
	defer cancel()
	now := m.clock.Now()

	if err != nil {
		kind := trawler.KindOf(err)
		if kind.Retryable() && job.RetryCount < job.MaxRetries {
			if reqErr := m.store.Requeue(finCtx, job.ID, err.Error(), now); reqErr != nil {
				logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(reqErr))
				return
			}
			metrics.ObserveJob(string(trawler.JobPending))
			logger.Warn("job requeued",
				zap.String("job_id", job.ID),
				zap.Int("retry", job.RetryCount+1),
				zap.Int("max_retries", job.MaxRetries),
				zap.Error(err))
			return
		}
		if failErr := m.store.MarkFailed(finCtx, job.ID, err.Error(), now); failErr != nil {
			logger.Error("mark failed errored", zap.String("job_id", job.ID), zap.Error(failErr))
			return
		}
		metrics.ObserveJob(string(trawler.JobFailed))
		m.publishCompletion(finCtx, job, trawler.JobFailed, err.Error())
		logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}

	if markErr := m.store.MarkCompleted(finCtx, job.ID, result, now); markErr != nil {
		logger.Error("mark completed errored", zap.String("job_id", job.ID), zap.Error(markErr))
		return
	}
	metrics.ObserveJob(string(trawler.JobCompleted))
	m.publishCompletion(finCtx, job, trawler.JobCompleted, "")
	logger.Info("job completed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
}

// invoke runs the handler with panic containment.
func (m *Manager) invoke(ctx context.Context, job *trawler.Job) (result json.RawMessage, err error) {
	h, ok := m.handler(job.Type)
	if !ok {
		return nil, trawler.Errorf("run job", trawler.KindValidation, "no handler registered for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = trawler.Errorf("run job", trawler.KindExtraction, "handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (m *Manager) publishCompletion(ctx context.Context, job *trawler.Job, status trawler.JobStatus, errMsg string) {
	if m.publisher == nil {
		return
	}
	event := CompletionEvent{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    status,
		Error:     errMsg,
		Timestamp: m.clock.Now().Format(time.RFC3339),
	}
	if _, err := m.publisher.Publish(ctx, m.topic, event); err != nil {
		m.logger.Warn("completion event publish failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// CancelJob flips a pending or running job to cancelled.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.Cancel(ctx, id, m.clock.Now())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ObserveJob(string(trawler.JobCancelled))
		m.logger.Info("job cancelled", zap.String("job_id", id))
	}
	return ok, nil
}

// GetJob returns the job or (nil, nil) when unknown.
func (m *Manager) GetJob(ctx context.Context, id string) (*trawler.Job, error) {
	return m.store.GetJob(ctx, id)
}

// ListJobs returns jobs matching the filter.
func (m *Manager) ListJobs(ctx context.Context, filter trawler.JobFilter) ([]*trawler.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// CleanupTerminated deletes terminal jobs older than the retention window
// and returns how many were removed.
func (m *Manager) CleanupTerminated(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := m.clock.Now().Add(-retention)
	removed, err := m.store.DeleteTerminatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("terminated jobs cleaned up",
			zap.Int64("removed", removed),
			zap.Duration("retention", retention))
	}
	return removed, nil
}

// Stats returns job counts by status.
func (m *Manager) Stats(ctx context.Context) (map[trawler.JobStatus]int64, error) {
	return m.store.CountByStatus(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
