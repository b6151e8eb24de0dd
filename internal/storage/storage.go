package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/authfront/internal/identity"
)

const (
	// DefaultSessionTimeout is how long a session survives without activity
	DefaultSessionTimeout = 7 * 24 * time.Hour

	// DefaultCleanupInterval is how often expired sessions are swept
	DefaultCleanupInterval = 1 * time.Hour
)

// ErrSessionNotFound is returned when a session doesn't exist or has expired
var ErrSessionNotFound = errors.New("session not found")

// ErrStoreUnavailable wraps failures of the backing store itself
var ErrStoreUnavailable = errors.New("session store unavailable")

// Session is the persisted unit of authentication state
type Session struct {
	SessionID        string            `json:"session_id"`
	Identity         identity.Identity `json:"identity"`
	CorrelationToken string            `json:"correlation_token,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
}

// ExternalUserID returns the provider's id for the session owner
func (s *Session) ExternalUserID() int64 {
	return s.Identity.ID
}

// IsExpired reports whether the session has been idle longer than timeout
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > timeout
}

// touch moves LastActivityAt forward, never backwards
func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// SessionStore is the only component allowed to mutate sessions. All
// methods are safe for concurrent use. Mutations for one external user id
// are linearizable; unrelated users proceed independently.
type SessionStore interface {
	// CreateSession inserts a session for id, or returns the existing live
	// session for the same external user with its identity fields refreshed.
	// A non-empty correlationToken is attached either way.
	CreateSession(ctx context.Context, id identity.Identity, correlationToken string) (*Session, error)

	// GetSession returns a live session and records activity on it
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSessionByUser returns the live session of an external user without
	// recording activity
	GetSessionByUser(ctx context.Context, externalUserID int64) (*Session, error)

	// GetSessionByToken returns the live session a correlation token is
	// attached to without recording activity
	GetSessionByToken(ctx context.Context, token string) (*Session, error)

	// DeleteSession removes a session and reports whether it existed
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// AttachToken attaches a correlation token to the live session of an
	// external user, replacing any previous token. No-op when there is none.
	AttachToken(ctx context.Context, externalUserID int64, token string) error

	// ListSessions returns all live sessions, most recently active first
	ListSessions(ctx context.Context) ([]Session, error)

	// CleanupExpiredSessions removes expired sessions and returns how many
	CleanupExpiredSessions(ctx context.Context) (int, error)

	Close() error
}

type options struct {
	timeout time.Duration
	now     func() time.Time
}

func defaultOptions() options {
	return options{
		timeout: DefaultSessionTimeout,
		now:     time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a session store
type Option func(*options)

// WithTimeout sets the inactivity timeout
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
