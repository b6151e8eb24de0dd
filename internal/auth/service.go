// Package auth orchestrates the three login channels (widget, popup callback
// and bot correlation token) on top of the verifier and the session store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/identity"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/dgellow/authfront/internal/verifier"
	"golang.org/x/sync/singleflight"
)

// Channel identifies how a login reached the service
type Channel string

const (
	ChannelWidget   Channel = "widget"
	ChannelCallback Channel = "callback"
	ChannelBot      Channel = "bot"
)

// Outcomes reported to the Recorder
const (
	OutcomeSuccess       = "success"
	OutcomeMissingFields = "missing_fields"
	OutcomeExpired       = "expired"
	OutcomeBadSignature  = "bad_signature"
	OutcomeMalformed     = "malformed"
	OutcomeNotConfigured = "not_configured"
	OutcomeStorageError  = "storage_error"
)

// Recorder receives login and polling events, e.g. for metrics
type Recorder interface {
	LoginAttempt(channel Channel, outcome string)
	TokenPoll(authenticated bool)
}

type nopRecorder struct{}

func (nopRecorder) LoginAttempt(Channel, string) {}
func (nopRecorder) TokenPoll(bool)               {}

// Result is returned by successful logins
type Result struct {
	Identity  identity.Identity `json:"identity"`
	SessionID string            `json:"sessionId"`
}

// CheckResult is the answer to a correlation token poll
type CheckResult struct {
	Authenticated bool               `json:"authenticated"`
	Identity      *identity.Identity `json:"identity,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
}

// BotLoginRequest is sent by the trusted bot backend once the user has
// confirmed the login inside the messaging client
type BotLoginRequest struct {
	ExternalUserID   int64  `json:"externalUserId"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName,omitempty"`
	Username         string `json:"username,omitempty"`
	PhotoURL         string `json:"photoUrl,omitempty"`
	CorrelationToken string `json:"correlationToken"`
}

// Service is stateless apart from the in-flight poll group; all session state
// lives in the store.
type Service struct {
	store    storage.SessionStore
	secret   string
	now      func() time.Time
	recorder Recorder
	polls    singleflight.Group // Collapses concurrent polls for one token
}

// Option configures the Service
type Option func(*Service)

// WithClock overrides the time source used for assertion freshness
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRecorder registers a Recorder for login and poll events
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewService creates the orchestrator. An empty sharedSecret is accepted;
// signed logins then fail with ErrNotConfigured.
func NewService(store storage.SessionStore, sharedSecret string, opts ...Option) *Service {
	s := &Service{
		store:    store,
		secret:   sharedSecret,
		now:      time.Now,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies a widget assertion and returns the user's session
func (s *Service) Login(ctx context.Context, a verifier.Assertion) (*Result, error) {
	return s.LoginVia(ctx, ChannelWidget, a)
}

// LoginVia verifies an assertion that arrived through channel
func (s *Service) LoginVia(ctx context.Context, channel Channel, a verifier.Assertion) (*Result, error) {
	if missing := a.Missing(); len(missing) > 0 {
		s.recorder.LoginAttempt(channel, OutcomeMissingFields)
		return nil, missingFields(missing...)
	}
	if s.secret == "" {
		s.recorder.LoginAttempt(channel, OutcomeNotConfigured)
		log.LogErrorWithFields("auth", "Login rejected, provider secret not configured", map[string]any{
			"channel": channel,
		})
		return nil, ErrNotConfigured
	}

	id, err := verifier.Verify(a, s.secret, s.now())
	if err != nil {
		outcome := verificationOutcome(err)
		s.recorder.LoginAttempt(channel, outcome)
		log.LogDebugWithFields("auth", "Assertion rejected", map[string]any{
			"channel": channel,
			"user":    a.ID,
			"reason":  outcome,
			"hash":    log.Redact(a.Hash),
		})
		if errors.Is(err, verifier.ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	sess, err := s.store.CreateSession(ctx, id, "")
	if err != nil {
		s.recorder.LoginAttempt(channel, OutcomeStorageError)
		return nil, storageErr("create session", err)
	}

	s.recorder.LoginAttempt(channel, OutcomeSuccess)
	log.LogInfoWithFields("auth", "User logged in", map[string]any{
		"channel": channel,
		"user":    id.ID,
		"session": log.Redact(sess.SessionID),
	})
	return &Result{Identity: sess.Identity, SessionID: sess.SessionID}, nil
}

func verificationOutcome(err error) string {
	switch {
	case errors.Is(err, verifier.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, verifier.ErrBadSignature):
		return OutcomeBadSignature
	case errors.Is(err, verifier.ErrNotConfigured):
		return OutcomeNotConfigured
	default:
		return OutcomeMalformed
	}
}

// BotLogin accepts a login confirmed by the trusted bot backend. The caller
// must have authenticated the bot; no signature is checked here. An existing
// live session keeps its id, gets its identity refreshed and the token
// attached; otherwise a new session is created carrying the token.
func (s *Service) BotLogin(ctx context.Context, req BotLoginRequest) (*Result, error) {
	var missing []string
	if req.ExternalUserID == 0 {
		missing = append(missing, "externalUserId")
	}
	if req.FirstName == "" {
		missing = append(missing, "firstName")
	}
	if req.CorrelationToken == "" {
		missing = append(missing, "correlationToken")
	}
	if len(missing) > 0 {
		s.recorder.LoginAttempt(ChannelBot, OutcomeMissingFields)
		return nil, missingFields(missing...)
	}

	id := identity.Identity{
		ID:        req.ExternalUserID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Username:  req.Username,
		PhotoURL:  req.PhotoURL,
	}

	// CreateSession is an atomic upsert per user: it attaches the token to a
	// live session or creates one with it.
	sess, err := s.store.CreateSession(ctx, id, req.CorrelationToken)
	if err != nil {
		s.recorder.LoginAttempt(ChannelBot, OutcomeStorageError)
		return nil, storageErr("create session", err)
	}

	s.recorder.LoginAttempt(ChannelBot, OutcomeSuccess)
	log.LogInfoWithFields("auth", "Bot login accepted", map[string]any{
		"user":    id.ID,
		"session": log.Redact(sess.SessionID),
		"token":   log.Redact(req.CorrelationToken),
	})
	return &Result{Identity: sess.Identity, SessionID: sess.SessionID}, nil
}

// CheckToken reports whether a bot login has completed for token. It never
// mutates state, so clients may poll it as often as they like.
func (s *Service) CheckToken(ctx context.Context, token string) (*CheckResult, error) {
	if token == "" {
		return nil, missingFields("token")
	}

	v, err, _ := s.polls.Do(token, func() (any, error) {
		sess, err := s.store.GetSessionByToken(ctx, token)
		if errors.Is(err, storage.ErrSessionNotFound) {
			return CheckResult{Authenticated: false}, nil
		}
		if err != nil {
			return nil, storageErr("lookup token", err)
		}
		id := sess.Identity
		return CheckResult{Authenticated: true, Identity: &id, SessionID: sess.SessionID}, nil
	})
	if err != nil {
		return nil, err
	}

	// Each caller gets its own copy of the shared result
	result := v.(CheckResult)
	if result.Identity != nil {
		id := *result.Identity
		result.Identity = &id
	}
	s.recorder.TokenPoll(result.Authenticated)
	return &result, nil
}

// CurrentUser returns the session for sessionID and records activity on it
func (s *Service) CurrentUser(ctx context.Context, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrUnauthorized)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: session not found or expired", ErrUnauthorized)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

// Logout deletes the session and reports whether it existed
func (s *Service) Logout(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	existed, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, storageErr("delete session", err)
	}
	if existed {
		log.LogInfoWithFields("auth", "User logged out", map[string]any{
			"session": log.Redact(sessionID),
		})
	}
	return existed, nil
}

// Revoke deletes a session on behalf of an administrator
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	existed, err := s.Logout(ctx, sessionID)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("%w: session %s", ErrNotFound, log.Redact(sessionID))
	}
	log.LogInfoWithFields("auth", "Session revoked", map[string]any{
		"session": log.Redact(sessionID),
	})
	return nil
}

// Sessions lists live sessions for the admin view
func (s *Service) Sessions(ctx context.Context) ([]storage.Session, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	return sessions, nil
}

// NewCorrelationToken mints a token the client embeds in the bot deep link
// and later polls with CheckToken
func (s *Service) NewCorrelationToken() (string, error) {
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate correlation token: %w", err)
	}
	return token, nil
}

// Configured reports whether signed logins can be verified
func (s *Service) Configured() bool {
	return s.secret != ""
}
