package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/identity"
	"github.com/dgellow/authfront/internal/log"
)

// Ensure MemoryStorage implements SessionStore
var _ SessionStore = (*MemoryStorage)(nil)

// MemoryStorage keeps sessions in process memory. The index maps are guarded
// by one RWMutex held only for map access; per-user mutations are serialized
// by userLocks so that read-decide-write sequences stay atomic per user.
type MemoryStorage struct {
	opts      options
	userLocks keyedMutex

	mu       sync.RWMutex
	sessions map[string]*Session // map[sessionID]
	byUser   map[int64]string    // map[externalUserID]sessionID
	byToken  map[string]string   // map[correlationToken]sessionID
}

// NewMemoryStorage creates a new in-memory session store
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	return &MemoryStorage{
		opts:     applyOptions(opts),
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]string),
		byToken:  make(map[string]string),
	}
}

// removeLocked drops a session and every index entry pointing at it.
// Callers must hold s.mu for writing.
func (s *MemoryStorage) removeLocked(sessionID string) bool {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	delete(s.sessions, sessionID)
	if s.byUser[sess.ExternalUserID()] == sessionID {
		delete(s.byUser, sess.ExternalUserID())
	}
	if sess.CorrelationToken != "" && s.byToken[sess.CorrelationToken] == sessionID {
		delete(s.byToken, sess.CorrelationToken)
	}
	return true
}

// setTokenLocked attaches token to sess, releasing its previous token and
// detaching the token from any other session. Callers must hold s.mu.
func (s *MemoryStorage) setTokenLocked(sess *Session, token string) {
	if sess.CorrelationToken == token {
		s.byToken[token] = sess.SessionID
		return
	}
	if sess.CorrelationToken != "" && s.byToken[sess.CorrelationToken] == sess.SessionID {
		delete(s.byToken, sess.CorrelationToken)
	}
	if otherID, ok := s.byToken[token]; ok && otherID != sess.SessionID {
		if other, ok := s.sessions[otherID]; ok {
			other.CorrelationToken = ""
		}
	}
	sess.CorrelationToken = token
	s.byToken[token] = sess.SessionID
}

// liveLocked returns the session if present and not expired
func (s *MemoryStorage) liveLocked(sessionID string) (*Session, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.IsExpired(s.opts.now(), s.opts.timeout) {
		return nil, false
	}
	return sess, true
}

// expire removes sessionID if it is still expired when re-checked under the
// write lock.
func (s *MemoryStorage) expire(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok && sess.IsExpired(s.opts.now(), s.opts.timeout) {
		s.removeLocked(sessionID)
		log.LogTraceWithFields("storage", "Expired session removed on access", map[string]any{
			"session": log.Redact(sessionID),
		})
	}
}

// CreateSession inserts a session or refreshes the live one for the same user
func (s *MemoryStorage) CreateSession(ctx context.Context, id identity.Identity, correlationToken string) (*Session, error) {
	unlock := s.userLocks.Lock(id.Key())
	defer unlock()

	s.mu.Lock()
	if existingID, ok := s.byUser[id.ID]; ok {
		if sess, live := s.liveLocked(existingID); live {
			sess.Identity = id
			sess.touch(s.opts.now())
			if correlationToken != "" {
				s.setTokenLocked(sess, correlationToken)
			}
			out := *sess
			s.mu.Unlock()
			return &out, nil
		}
		s.removeLocked(existingID)
	}
	s.mu.Unlock()

	// Only this goroutine can create a session for the user while the user
	// lock is held, so the id can be generated outside the map lock.
	sessionID, err := crypto.GenerateSessionID()
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	sess := &Session{
		SessionID:      sessionID,
		Identity:       id,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.byUser[id.ID] = sessionID
	if correlationToken != "" {
		s.setTokenLocked(sess, correlationToken)
	}
	out := *sess
	s.mu.Unlock()

	return &out, nil
}

// GetSession returns a live session and bumps its activity
func (s *MemoryStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := s.opts.now()
	if sess.IsExpired(now, s.opts.timeout) {
		s.removeLocked(sessionID)
		return nil, ErrSessionNotFound
	}
	sess.touch(now)
	out := *sess
	return &out, nil
}

// GetSessionByUser returns the live session of an external user
func (s *MemoryStorage) GetSessionByUser(ctx context.Context, externalUserID int64) (*Session, error) {
	s.mu.RLock()
	sessionID, ok := s.byUser[externalUserID]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrSessionNotFound
	}
	sess, live := s.liveLocked(sessionID)
	var out Session
	if live {
		out = *sess
	}
	s.mu.RUnlock()

	if !live {
		s.expire(sessionID)
		return nil, ErrSessionNotFound
	}
	return &out, nil
}

// GetSessionByToken returns the live session a correlation token points to
func (s *MemoryStorage) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	s.mu.RLock()
	sessionID, ok := s.byToken[token]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrSessionNotFound
	}
	sess, live := s.liveLocked(sessionID)
	var out Session
	if live {
		out = *sess
	}
	s.mu.RUnlock()

	if !live {
		s.expire(sessionID)
		return nil, ErrSessionNotFound
	}
	return &out, nil
}

// DeleteSession removes a session
func (s *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(sessionID), nil
}

// AttachToken attaches a correlation token to the user's live session
func (s *MemoryStorage) AttachToken(ctx context.Context, externalUserID int64, token string) error {
	if token == "" {
		return nil
	}
	unlock := s.userLocks.Lock(identity.Identity{ID: externalUserID}.Key())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.byUser[externalUserID]
	if !ok {
		return nil
	}
	sess, live := s.liveLocked(sessionID)
	if !live {
		s.removeLocked(sessionID)
		return nil
	}
	s.setTokenLocked(sess, token)
	return nil
}

// ListSessions returns all live sessions
func (s *MemoryStorage) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.sessions))
	for id := range s.sessions {
		if sess, live := s.liveLocked(id); live {
			sessions = append(sessions, *sess)
		}
	}
	s.mu.RUnlock()

	sortByActivity(sessions)
	return sessions, nil
}

// CleanupExpiredSessions removes expired sessions one at a time so that
// concurrent requests are never blocked for longer than a single delete.
func (s *MemoryStorage) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := s.opts.now()

	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.IsExpired(now, s.opts.timeout) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	count := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		s.mu.Lock()
		// Activity may have been recorded since the scan
		if sess, ok := s.sessions[id]; ok && sess.IsExpired(s.opts.now(), s.opts.timeout) {
			s.removeLocked(id)
			count++
		}
		s.mu.Unlock()
	}
	return count, nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}

func sortByActivity(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
}
