package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/metrics"
	"github.com/trawlerhq/trawler/internal/store/memory"
	"github.com/trawlerhq/trawler/internal/trawler"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// tickingClock hands out strictly increasing times so created_at ordering
// is deterministic.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []CompletionEvent
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload.(CompletionEvent))
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *capturingPublisher) all() []CompletionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompletionEvent, len(p.events))
	copy(out, p.events)
	return out
}

func newTestManager(t *testing.T, publisher trawler.Publisher) *Manager {
	t.Helper()
	m := NewManager(memory.NewJobStore(), publisher, newTickingClock(), &seqIDs{}, Config{
		Workers:  2,
		IdlePoll: 5 * time.Millisecond,
	}, zap.NewNop())
	return m
}

func startPool(t *testing.T, m *Manager) {
	t.Helper()
	m.Start(context.Background())
	t.Cleanup(func() {
		require.True(t, m.Stop(2*time.Second))
	})
}

func waitStatus(t *testing.T, m *Manager, id string, want trawler.JobStatus) *trawler.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := m.GetJob(context.Background(), id)
		return err == nil && job != nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	job, err := m.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestSubmitValidation(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Submit(ctx, trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 0)
	require.Error(t, err)
	require.Equal(t, trawler.KindValidation, trawler.KindOf(err))

	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		return nil, nil
	})

	_, err = m.Submit(ctx, trawler.JobTypeScrapeSingle, nil, 0, 0)
	require.Error(t, err)

	_, err = m.Submit(ctx, trawler.JobTypeScrapeSingle, json.RawMessage(`{broken`), 0, 0)
	require.Error(t, err)

	job, err := m.Submit(ctx, trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 7, 0)
	require.NoError(t, err)
	require.Equal(t, trawler.JobPending, job.Status)
	require.Equal(t, 7, job.Priority)
	require.Equal(t, DefaultMaxRetries, job.MaxRetries)
}

func TestWorkerExecutesJobExactlyOnce(t *testing.T) {
	m := newTestManager(t, nil)

	var mu sync.Mutex
	runs := map[string]int{}
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(_ context.Context, job *trawler.Job) (json.RawMessage, error) {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		return json.RawMessage(`{"ok":true}`), nil
	})
	startPool(t, m)

	var ids []string
	for i := 0; i < 20; i++ {
		job, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), i%3, 1)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		job := waitStatus(t, m, id, trawler.JobCompleted)
		require.JSONEq(t, `{"ok":true}`, string(job.Result))
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		require.Equal(t, 1, runs[id], "job %s executed more than once", id)
	}
}

func TestRetryableFailureConsumesBudgetThenFails(t *testing.T) {
	m := newTestManager(t, nil)

	var mu sync.Mutex
	calls := 0
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, trawler.Errorf("fetch", trawler.KindNetwork, "connection reset")
	})
	startPool(t, m)

	job, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 2)
	require.NoError(t, err)

	final := waitStatus(t, m, job.ID, trawler.JobFailed)
	require.Equal(t, 2, final.RetryCount)
	require.Contains(t, final.ErrorMessage, "connection reset")
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	m := newTestManager(t, nil)

	var mu sync.Mutex
	calls := 0
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, trawler.Errorf("validate", trawler.KindValidation, "bad url")
	})
	startPool(t, m)

	job, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 5)
	require.NoError(t, err)

	final := waitStatus(t, m, job.ID, trawler.JobFailed)
	require.Zero(t, final.RetryCount)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestHandlerPanicIsContained(t *testing.T) {
	m := newTestManager(t, nil)

	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		panic("boom")
	})
	m.RegisterHandler(trawler.JobTypeScrapeBatch, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	startPool(t, m)

	bad, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)
	good, err := m.Submit(context.Background(), trawler.JobTypeScrapeBatch, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)

	failed := waitStatus(t, m, bad.ID, trawler.JobFailed)
	require.Contains(t, failed.ErrorMessage, "panicked")
	waitStatus(t, m, good.ID, trawler.JobCompleted)
}

func TestCompletionEventsPublished(t *testing.T) {
	publisher := &capturingPublisher{}
	m := newTestManager(t, publisher)

	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	startPool(t, m)

	job, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)
	waitStatus(t, m, job.ID, trawler.JobCompleted)

	require.Eventually(t, func() bool { return len(publisher.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	event := publisher.all()[0]
	require.Equal(t, job.ID, event.JobID)
	require.Equal(t, trawler.JobCompleted, event.Status)
	require.Empty(t, event.Error)
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	m := newTestManager(t, nil)

	started := make(chan struct{})
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(ctx context.Context, _ *trawler.Job) (json.RawMessage, error) {
		close(started)
		select {
		case <-time.After(200 * time.Millisecond):
			return json.RawMessage(`{"ok":true}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	m.Start(context.Background())

	job, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)
	<-started

	// Stop must let the running handler finish inside the grace period
	// instead of cancelling it outright.
	require.True(t, m.Stop(2*time.Second))

	final, err := m.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, trawler.JobCompleted, final.Status)
	require.JSONEq(t, `{"ok":true}`, string(final.Result))
}

func TestStopForceCancelsAfterGrace(t *testing.T) {
	m := newTestManager(t, nil)

	started := make(chan struct{})
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(ctx context.Context, _ *trawler.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.Start(context.Background())

	_, err := m.Submit(context.Background(), trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)
	<-started

	require.False(t, m.Stop(50*time.Millisecond))
}

func TestCancelJob(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		return nil, nil
	})
	ctx := context.Background()

	job, err := m.Submit(ctx, trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)

	ok, err := m.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, trawler.JobCancelled, got.Status)

	// Terminal jobs cannot be cancelled again.
	ok, err = m.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanupTerminatedAndStats(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterHandler(trawler.JobTypeScrapeSingle, func(context.Context, *trawler.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	startPool(t, m)
	ctx := context.Background()

	job, err := m.Submit(ctx, trawler.JobTypeScrapeSingle, json.RawMessage(`{}`), 0, 1)
	require.NoError(t, err)
	waitStatus(t, m, job.ID, trawler.JobCompleted)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[trawler.JobCompleted])

	removed, err := m.CleanupTerminated(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}
