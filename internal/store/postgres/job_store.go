package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trawlerhq/trawler/internal/trawler"
)

const jobColumns = `id, job_type, status, priority, payload, result, error_message, retry_count, max_retries, created_at, started_at, completed_at`

// JobStore implements trawler.JobStore on Postgres. The claim uses
// FOR UPDATE SKIP LOCKED inside a single UPDATE so competing workers never
// observe the same pending row.
type JobStore struct {
	pool dbConn
}

// NewJobStore wraps an existing pool. Pass a pgxmock pool in tests.
func NewJobStore(pool dbConn) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob persists a new pending job.
func (s *JobStore) CreateJob(ctx context.Context, job *trawler.Job) error {
	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.Type, job.Status, job.Priority,
		[]byte(job.Payload), []byte(job.Result), job.ErrorMessage,
		job.RetryCount, job.MaxRetries,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the job or (nil, nil) when unknown.
func (s *JobStore) GetJob(ctx context.Context, id string) (*trawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the best pending job.
func (s *JobStore) ClaimNext(ctx context.Context, now time.Time) (*trawler.Job, error) {
	query := `
UPDATE jobs SET status = 'running', started_at = $1
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query, now)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkCompleted finishes a running job with its result. A concurrent cancel
// wins: the status guard keeps terminal states monotonic.
func (s *JobStore) MarkCompleted(ctx context.Context, id string, result []byte, now time.Time) error {
	query := `
UPDATE jobs SET status = 'completed', result = $2, error_message = '', completed_at = $3
WHERE id = $1 AND status = 'running'`
	if _, err := s.pool.Exec(ctx, query, id, result, now); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// MarkFailed finishes a running job with a terminal error message.
func (s *JobStore) MarkFailed(ctx context.Context, id string, errMsg string, now time.Time) error {
	query := `
UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3
WHERE id = $1 AND status = 'running'`
	if _, err := s.pool.Exec(ctx, query, id, errMsg, now); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Requeue returns a running job to pending with the retry counter bumped.
func (s *JobStore) Requeue(ctx context.Context, id string, errMsg string, _ time.Time) error {
	query := `
UPDATE jobs SET status = 'pending', error_message = $2, retry_count = retry_count + 1, started_at = NULL
WHERE id = $1 AND status = 'running'`
	if _, err := s.pool.Exec(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// Cancel transitions a pending or running job to cancelled.
func (s *JobStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
UPDATE jobs SET status = 'cancelled', completed_at = $2
WHERE id = $1 AND status IN ('pending', 'running')`
	tag, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListJobs returns jobs matching the filter, priority desc then oldest first.
func (s *JobStore) ListJobs(ctx context.Context, filter trawler.JobFilter) ([]*trawler.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		args  []any
		where string
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		clause := fmt.Sprintf("job_type = $%d", len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	query += where + ` ORDER BY priority DESC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*trawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteTerminatedBefore removes terminal jobs completed before cutoff.
func (s *JobStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
DELETE FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns job counts grouped by status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[trawler.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[trawler.JobStatus]int64)
	for rows.Next() {
		var (
			status trawler.JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

func scanJob(row pgx.Row) (*trawler.Job, error) {
	var (
		job     trawler.Job
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Priority,
		&payload, &result, &job.ErrorMessage,
		&job.RetryCount, &job.MaxRetries,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	job.Result = result
	return &job, nil
}
