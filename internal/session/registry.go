// Package session tracks logical browser sessions: their configuration,
// usage counters, and idle expiry. The registry fronts the backing store
// with an in-memory cache so hot sessions avoid a store round trip.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// Defaults applied when the registry config leaves fields unset.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Registry manages session lifecycle.
type Registry struct {
	store         trawler.SessionStore
	clock         trawler.Clock
	ids           trawler.IDGenerator
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*trawler.Session
}

// Config tunes a Registry.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store trawler.SessionStore, clock trawler.Clock, ids trawler.IDGenerator, cfg Config, logger *zap.Logger) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		store:         store,
		clock:         clock,
		ids:           ids,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
		sessions:      make(map[string]*trawler.Session),
	}
}

// Create registers a new session. An explicit id that already exists is a
// validation error; an empty id is generated.
func (r *Registry) Create(ctx context.Context, config trawler.SessionConfig, id string) (string, error) {
	if id == "" {
		generated, err := r.ids.NewID()
		if err != nil {
			return "", trawler.E("create session", trawler.KindResource, err)
		}
		id = generated
	} else {
		existing, err := r.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return "", trawler.Errorf("create session", trawler.KindValidation, "session %q already exists", id)
		}
	}

	now := r.clock.Now()
	session := &trawler.Session{
		ID:           id,
		Config:       config,
		CreatedAt:    now,
		LastAccessed: now,
		IsActive:     true,
		StateData:    map[string]any{},
	}
	if err := r.store.PutSession(ctx, session); err != nil {
		return "", trawler.E("create session", trawler.KindResource, err)
	}

	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()
	return id, nil
}

// Get returns the session, refreshing its access time and page counter.
// Expired sessions are closed as a side effect and reported as not found.
func (r *Registry) Get(ctx context.Context, id string) (*trawler.Session, error) {
	now := r.clock.Now()

	// LastAccessed is mutated under r.mu by touch, so the expiry check has
	// to read it under the same lock.
	r.mu.Lock()
	session, resident := r.sessions[id]
	expired := resident && session.Expired(now, r.idleTimeout)
	r.mu.Unlock()

	if resident {
		if expired {
			if _, err := r.Close(ctx, id); err != nil {
				r.logger.Warn("failed to close expired session", zap.String("session_id", id), zap.Error(err))
			}
			return nil, nil
		}
		return r.touch(ctx, session, now)
	}

	stored, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, trawler.E("get session", trawler.KindResource, err)
	}
	if stored == nil {
		return nil, nil
	}
	if stored.Expired(now, r.idleTimeout) {
		if _, err := r.store.DeleteSession(ctx, id); err != nil {
			r.logger.Warn("failed to delete expired session", zap.String("session_id", id), zap.Error(err))
		}
		return nil, nil
	}

	r.mu.Lock()
	r.sessions[id] = stored
	r.mu.Unlock()
	return r.touch(ctx, stored, now)
}

func (r *Registry) touch(ctx context.Context, session *trawler.Session, now time.Time) (*trawler.Session, error) {
	r.mu.Lock()
	session.Touch(now)
	out := *session
	r.mu.Unlock()

	if err := r.store.PutSession(ctx, &out); err != nil {
		r.logger.Warn("failed to persist session access", zap.String("session_id", session.ID), zap.Error(err))
	}
	return &out, nil
}

// UpdateState merges state data (cookies, storage snapshots) into the
// session and persists it.
func (r *Registry) UpdateState(ctx context.Context, id string, state map[string]any) error {
	session, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return trawler.Errorf("update session", trawler.KindConfiguration, "session %q not found", id)
	}

	r.mu.Lock()
	resident, ok := r.sessions[id]
	if ok {
		if resident.StateData == nil {
			resident.StateData = map[string]any{}
		}
		for k, v := range state {
			resident.StateData[k] = v
		}
		session = resident
	}
	out := *session
	r.mu.Unlock()

	if err := r.store.PutSession(ctx, &out); err != nil {
		return trawler.E("update session", trawler.KindResource, err)
	}
	return nil
}

// Close removes the session from memory and the backing store. Returns
// false when the session was unknown to both.
func (r *Registry) Close(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	_, resident := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	stored, err := r.store.DeleteSession(ctx, id)
	if err != nil {
		return false, trawler.E("close session", trawler.KindResource, err)
	}
	return resident || stored, nil
}

// List returns the memory-resident sessions, newest first.
func (r *Registry) List() []*trawler.Session {
	r.mu.Lock()
	out := make([]*trawler.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		s := *session
		out = append(out, &s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CleanupExpired closes every idle-expired resident session, then purges
// expired sessions that are only persisted. Returns the number closed.
func (r *Registry) CleanupExpired(ctx context.Context) (int64, error) {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []string
	for id, session := range r.sessions {
		if session.Expired(now, r.idleTimeout) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	var closed int64
	for _, id := range expired {
		ok, err := r.Close(ctx, id)
		if err != nil {
			r.logger.Warn("failed to close expired session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}

	purged, err := r.store.DeleteExpiredSessions(ctx, now, r.idleTimeout)
	if err != nil {
		return closed, trawler.E("session cleanup", trawler.KindResource, err)
	}
	return closed + purged, nil
}

// Run sweeps expired sessions on the configured interval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := r.CleanupExpired(ctx)
			if err != nil {
				r.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if closed > 0 {
				r.logger.Info("session sweep closed expired sessions", zap.Int64("closed", closed))
			}
		}
	}
}
