package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// SessionStore implements trawler.SessionStore on Postgres. Config and state
// are stored as JSONB documents.
type SessionStore struct {
	pool dbConn
}

// NewSessionStore wraps an existing pool. Pass a pgxmock pool in tests.
func NewSessionStore(pool dbConn) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// PutSession upserts the session record.
func (s *SessionStore) PutSession(ctx context.Context, session *trawler.Session) error {
	configJSON, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	stateJSON, err := json.Marshal(session.StateData)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	query := `
INSERT INTO sessions (id, config, created_at, last_accessed, page_count, is_active, state_data)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
	config = EXCLUDED.config,
	last_accessed = EXCLUDED.last_accessed,
	page_count = EXCLUDED.page_count,
	is_active = EXCLUDED.is_active,
	state_data = EXCLUDED.state_data`
	_, err = s.pool.Exec(ctx, query,
		session.ID, configJSON, session.CreatedAt, session.LastAccessed,
		session.PageCount, session.IsActive, stateJSON,
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession returns the session or (nil, nil) when unknown.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*trawler.Session, error) {
	query := `
SELECT id, config, created_at, last_accessed, page_count, is_active, state_data
FROM sessions WHERE id = $1`
	var (
		session    trawler.Session
		configJSON []byte
		stateJSON  []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&session.ID, &configJSON, &session.CreatedAt, &session.LastAccessed,
		&session.PageCount, &session.IsActive, &stateJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(configJSON, &session.Config); err != nil {
		return nil, fmt.Errorf("unmarshal session config: %w", err)
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &session.StateData); err != nil {
			return nil, fmt.Errorf("unmarshal session state: %w", err)
		}
	}
	return &session, nil
}

// DeleteSession removes the session, reporting whether it existed.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpiredSessions removes sessions idle past idleTimeout at now.
func (s *SessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time, idleTimeout time.Duration) (int64, error) {
	cutoff := now.Add(-idleTimeout)
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE last_accessed < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
