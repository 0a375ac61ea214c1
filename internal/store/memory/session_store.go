package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// SessionStore keeps session records in a mutex-guarded map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*trawler.Session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*trawler.Session)}
}

// PutSession upserts the session record.
func (s *SessionStore) PutSession(_ context.Context, session *trawler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// GetSession returns a copy of the session, or (nil, nil) when unknown.
func (s *SessionStore) GetSession(_ context.Context, id string) (*trawler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(session), nil
}

// DeleteSession removes the session, reporting whether it existed.
func (s *SessionStore) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok, nil
}

// DeleteExpiredSessions removes sessions idle past idleTimeout at now.
func (s *SessionStore) DeleteExpiredSessions(_ context.Context, now time.Time, idleTimeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, session := range s.sessions {
		if session.Expired(now, idleTimeout) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func cloneSession(session *trawler.Session) *trawler.Session {
	out := *session
	if session.StateData != nil {
		out.StateData = make(map[string]any, len(session.StateData))
		for k, v := range session.StateData {
			out.StateData[k] = v
		}
	}
	if session.Config.ExtraOptions != nil {
		out.Config.ExtraOptions = make(map[string]any, len(session.Config.ExtraOptions))
		for k, v := range session.Config.ExtraOptions {
			out.Config.ExtraOptions[k] = v
		}
	}
	return &out
}
