package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownConversation is returned when a conversation has no active session.
var ErrUnknownConversation = errors.New("unknown conversation")

// DefaultSessionTTL is how long an idle session survives before eviction.
const DefaultSessionTTL = 30 * time.Minute

// SessionStore holds one active session per conversation in process memory.
// Sessions are lost on restart.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithSessionTTL sets the idle timeout. A non-positive ttl disables eviction.
func WithSessionTTL(ttl time.Duration) SessionStoreOption {
	return func(s *SessionStore) { s.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) SessionStoreOption {
	return func(s *SessionStore) { s.now = now }
}

// NewSessionStore creates an empty store.
func NewSessionStore(opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]Session),
		ttl:      DefaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("SessionStore.NewSessionStore: created", "ttl", s.ttl)
	return s
}

// Put creates or replaces the session for sess.ConversationID.
func (s *SessionStore) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ConversationID] = sess.Clone()
}

// Get returns a copy of the conversation's session.
func (s *SessionStore) Get(conversationID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return Session{}, false
	}
	return sess.Clone(), true
}

// Update applies fn to a copy of the session and stores the result if fn returns
// nil. It returns ErrUnknownConversation when there is no session.
func (s *SessionStore) Update(conversationID string, fn func(Session) (Session, error)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return Session{}, ErrUnknownConversation
	}
	next, err := fn(sess.Clone())
	if err != nil {
		return sess.Clone(), err
	}
	s.sessions[conversationID] = next.Clone()
	return next, nil
}

// Delete removes the conversation's session. It reports whether one existed.
func (s *SessionStore) Delete(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[conversationID]
	delete(s.sessions, conversationID)
	return ok
}

// Count returns the number of active sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictExpired removes sessions idle for longer than the TTL and returns their
// conversation IDs.
func (s *SessionStore) EvictExpired() []string {
	if s.ttl <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// RunEviction sweeps expired sessions every interval until ctx is cancelled.
func (s *SessionStore) RunEviction(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		slog.Info("SessionStore.RunEviction: TTL disabled, not sweeping")
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("SessionStore.RunEviction: started", "interval", interval, "ttl", s.ttl)

	for {
		select {
		case <-ctx.Done():
			slog.Info("SessionStore.RunEviction: stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			if evicted := s.EvictExpired(); len(evicted) > 0 {
				slog.Info("SessionStore.RunEviction: evicted idle sessions", "count", len(evicted))
			}
		}
	}
}
