package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/identity"
	"github.com/dgellow/authfront/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FirestoreStorage implements SessionStore
var _ SessionStore = (*FirestoreStorage)(nil)

// FirestoreStorage persists sessions in Google Cloud Firestore.
//
// Sessions live in one collection keyed by session id. A companion
// "<collection>_users" collection maps external user ids to session ids so
// that the one-session-per-user rule can be enforced inside a transaction.
// Correlation tokens are looked up with a query on the session documents.
type FirestoreStorage struct {
	client         *firestore.Client
	projectID      string
	collection     string
	userCollection string
	opts           options
	userLocks      keyedMutex
}

// SessionDoc represents a session document in Firestore
type SessionDoc struct {
	SessionID        string    `firestore:"session_id"`
	UserID           int64     `firestore:"user_id"`
	FirstName        string    `firestore:"first_name"`
	LastName         string    `firestore:"last_name,omitempty"`
	Username         string    `firestore:"username,omitempty"`
	PhotoURL         string    `firestore:"photo_url,omitempty"`
	CorrelationToken string    `firestore:"correlation_token,omitempty"`
	CreatedAt        time.Time `firestore:"created_at"`
	LastActivityAt   time.Time `firestore:"last_activity_at"`
}

// UserIndexDoc maps an external user id to its session
type UserIndexDoc struct {
	SessionID string    `firestore:"session_id"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func toSessionDoc(s *Session) *SessionDoc {
	return &SessionDoc{
		SessionID:        s.SessionID,
		UserID:           s.Identity.ID,
		FirstName:        s.Identity.FirstName,
		LastName:         s.Identity.LastName,
		Username:         s.Identity.Username,
		PhotoURL:         s.Identity.PhotoURL,
		CorrelationToken: s.CorrelationToken,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
	}
}

// ToSession converts the Firestore document to a Session
func (d *SessionDoc) ToSession() *Session {
	return &Session{
		SessionID: d.SessionID,
		Identity: identity.Identity{
			ID:        d.UserID,
			FirstName: d.FirstName,
			LastName:  d.LastName,
			Username:  d.Username,
			PhotoURL:  d.PhotoURL,
		},
		CorrelationToken: d.CorrelationToken,
		CreatedAt:        d.CreatedAt,
		LastActivityAt:   d.LastActivityAt,
	}
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, opts ...Option) (*FirestoreStorage, error) {
	// Validate required parameters
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Using Firestore session storage", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:         client,
		projectID:      projectID,
		collection:     collection,
		userCollection: collection + "_users",
		opts:           applyOptions(opts),
	}, nil
}

func (s *FirestoreStorage) sessionRef(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sessionID)
}

func (s *FirestoreStorage) userRef(externalUserID int64) *firestore.DocumentRef {
	return s.client.Collection(s.userCollection).Doc(strconv.FormatInt(externalUserID, 10))
}

func (s *FirestoreStorage) tokenQuery(token string) firestore.Query {
	return s.client.Collection(s.collection).Where("correlation_token", "==", token)
}

// mapFirestoreErr converts Firestore errors into store errors
func mapFirestoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if status.Code(err) == codes.NotFound {
		return ErrSessionNotFound
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// getSession reads a session inside a transaction. Missing documents return
// ErrSessionNotFound.
func getSession(tx *firestore.Transaction, ref *firestore.DocumentRef) (*Session, error) {
	doc, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var sessionDoc SessionDoc
	if err := doc.DataTo(&sessionDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return sessionDoc.ToSession(), nil
}

// getUserIndex reads the user index inside a transaction. A missing index
// yields an empty session id.
func getUserIndex(tx *firestore.Transaction, ref *firestore.DocumentRef) (string, error) {
	doc, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get user index: %w", err)
	}
	var idx UserIndexDoc
	if err := doc.DataTo(&idx); err != nil {
		return "", fmt.Errorf("failed to unmarshal user index: %w", err)
	}
	return idx.SessionID, nil
}

// tokenHolders returns the refs of sessions holding token, other than skip
func (s *FirestoreStorage) tokenHolders(tx *firestore.Transaction, token, skip string) ([]*firestore.DocumentRef, error) {
	if token == "" {
		return nil, nil
	}
	docs, err := tx.Documents(s.tokenQuery(token)).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query token holders: %w", err)
	}
	var refs []*firestore.DocumentRef
	for _, doc := range docs {
		if doc.Ref.ID != skip {
			refs = append(refs, doc.Ref)
		}
	}
	return refs, nil
}

// releaseToken detaches a correlation token from other sessions
func releaseToken(tx *firestore.Transaction, holders []*firestore.DocumentRef) error {
	for _, ref := range holders {
		if err := tx.Update(ref, []firestore.Update{
			{Path: "correlation_token", Value: firestore.Delete},
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession inserts a session or refreshes the live one for the same user
func (s *FirestoreStorage) CreateSession(ctx context.Context, id identity.Identity, correlationToken string) (*Session, error) {
	unlock := s.userLocks.Lock(id.Key())
	defer unlock()

	// Generated up front because the transaction body may be retried
	newID, err := crypto.GenerateSessionID()
	if err != nil {
		return nil, err
	}

	userRef := s.userRef(id.ID)
	var result *Session

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := s.opts.now()

		// All reads happen before any write
		existingID, err := getUserIndex(tx, userRef)
		if err != nil {
			return err
		}
		var existing *Session
		if existingID != "" {
			existing, err = getSession(tx, s.sessionRef(existingID))
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				return err
			}
		}

		var sess *Session
		if existing != nil && !existing.IsExpired(now, s.opts.timeout) {
			sess = existing
			sess.Identity = id
			sess.touch(now)
			if correlationToken != "" {
				sess.CorrelationToken = correlationToken
			}
		} else {
			sess = &Session{
				SessionID:        newID,
				Identity:         id,
				CorrelationToken: correlationToken,
				CreatedAt:        now,
				LastActivityAt:   now,
			}
		}

		holders, err := s.tokenHolders(tx, correlationToken, sess.SessionID)
		if err != nil {
			return err
		}

		if existing != nil && existing.SessionID != sess.SessionID {
			if err := tx.Delete(s.sessionRef(existing.SessionID)); err != nil {
				return err
			}
		}
		if err := releaseToken(tx, holders); err != nil {
			return err
		}
		if err := tx.Set(s.sessionRef(sess.SessionID), toSessionDoc(sess)); err != nil {
			return err
		}
		if err := tx.Set(userRef, &UserIndexDoc{SessionID: sess.SessionID, UpdatedAt: now}); err != nil {
			return err
		}
		result = sess
		return nil
	})
	if err != nil {
		return nil, mapFirestoreErr("create session", err)
	}
	return result, nil
}

// GetSession returns a live session and bumps its activity
func (s *FirestoreStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	ref := s.sessionRef(sessionID)
	var result *Session

	// Use transaction to ensure atomic read-modify-write
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sess, err := getSession(tx, ref)
		if err != nil {
			return err
		}
		now := s.opts.now()
		if sess.IsExpired(now, s.opts.timeout) {
			if err := s.removeInTx(tx, sess); err != nil {
				return err
			}
			result = nil
			return nil
		}

		sess.touch(now)
		result = sess
		return tx.Update(ref, []firestore.Update{
			{Path: "last_activity_at", Value: sess.LastActivityAt},
		})
	})
	if err != nil {
		return nil, mapFirestoreErr("get session", err)
	}
	if result == nil {
		return nil, ErrSessionNotFound
	}
	return result, nil
}

// removeInTx deletes sess and its user index entry if it still points at it
func (s *FirestoreStorage) removeInTx(tx *firestore.Transaction, sess *Session) error {
	userRef := s.userRef(sess.ExternalUserID())
	indexed, err := getUserIndex(tx, userRef)
	if err != nil {
		return err
	}
	if err := tx.Delete(s.sessionRef(sess.SessionID)); err != nil {
		return err
	}
	if indexed == sess.SessionID {
		return tx.Delete(userRef)
	}
	return nil
}

// readSession reads a session outside a transaction
func (s *FirestoreStorage) readSession(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := s.sessionRef(sessionID).Get(ctx)
	if err != nil {
		return nil, mapFirestoreErr("get session", err)
	}
	var sessionDoc SessionDoc
	if err := doc.DataTo(&sessionDoc); err != nil {
		return nil, mapFirestoreErr("get session", fmt.Errorf("failed to unmarshal session: %w", err))
	}
	return sessionDoc.ToSession(), nil
}

// live returns sess unless it expired, in which case it is removed lazily
func (s *FirestoreStorage) live(ctx context.Context, sess *Session) (*Session, error) {
	if !sess.IsExpired(s.opts.now(), s.opts.timeout) {
		return sess, nil
	}
	if _, err := s.removeIfExpired(ctx, sess.SessionID); err != nil {
		log.LogWarnWithFields("firestore", "Failed to remove expired session", map[string]any{
			"session": log.Redact(sess.SessionID),
			"error":   err.Error(),
		})
	}
	return nil, ErrSessionNotFound
}

// GetSessionByUser returns the live session of an external user
func (s *FirestoreStorage) GetSessionByUser(ctx context.Context, externalUserID int64) (*Session, error) {
	doc, err := s.userRef(externalUserID).Get(ctx)
	if err != nil {
		return nil, mapFirestoreErr("get user index", err)
	}
	var idx UserIndexDoc
	if err := doc.DataTo(&idx); err != nil {
		return nil, mapFirestoreErr("get user index", fmt.Errorf("failed to unmarshal user index: %w", err))
	}

	sess, err := s.readSession(ctx, idx.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.ExternalUserID() != externalUserID {
		return nil, ErrSessionNotFound
	}
	return s.live(ctx, sess)
}

// GetSessionByToken returns the live session a correlation token points to
func (s *FirestoreStorage) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	iter := s.tokenQuery(token).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, mapFirestoreErr("query token", err)
	}

	var sessionDoc SessionDoc
	if err := doc.DataTo(&sessionDoc); err != nil {
		return nil, mapFirestoreErr("query token", fmt.Errorf("failed to unmarshal session: %w", err))
	}
	return s.live(ctx, sessionDoc.ToSession())
}

// DeleteSession removes a session and its user index entry
func (s *FirestoreStorage) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	existed := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existed = false
		sess, err := getSession(tx, s.sessionRef(sessionID))
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.removeInTx(tx, sess); err != nil {
			return err
		}
		existed = true
		return nil
	})
	if err != nil {
		return false, mapFirestoreErr("delete session", err)
	}
	return existed, nil
}

// AttachToken attaches a correlation token to the user's live session
func (s *FirestoreStorage) AttachToken(ctx context.Context, externalUserID int64, token string) error {
	if token == "" {
		return nil
	}
	unlock := s.userLocks.Lock(identity.Identity{ID: externalUserID}.Key())
	defer unlock()

	userRef := s.userRef(externalUserID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sessionID, err := getUserIndex(tx, userRef)
		if err != nil || sessionID == "" {
			return err
		}
		sess, err := getSession(tx, s.sessionRef(sessionID))
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		holders, err := s.tokenHolders(tx, token, sessionID)
		if err != nil {
			return err
		}

		if sess.IsExpired(s.opts.now(), s.opts.timeout) {
			if err := tx.Delete(s.sessionRef(sessionID)); err != nil {
				return err
			}
			return tx.Delete(userRef)
		}
		if err := releaseToken(tx, holders); err != nil {
			return err
		}
		return tx.Update(s.sessionRef(sessionID), []firestore.Update{
			{Path: "correlation_token", Value: token},
		})
	})
	if err != nil {
		return mapFirestoreErr("attach token", err)
	}
	return nil
}

// ListSessions returns all live sessions
func (s *FirestoreStorage) ListSessions(ctx context.Context) ([]Session, error) {
	now := s.opts.now()
	cutoff := now.Add(-s.opts.timeout)

	iter := s.client.Collection(s.collection).
		Where("last_activity_at", ">=", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var sessions []Session
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapFirestoreErr("list sessions", err)
		}

		var sessionDoc SessionDoc
		if err := doc.DataTo(&sessionDoc); err != nil {
			log.LogError("Failed to unmarshal session: %v", err)
			continue
		}

		sess := sessionDoc.ToSession()
		// Double-check expiration
		if !sess.IsExpired(now, s.opts.timeout) {
			sessions = append(sessions, *sess)
		}
	}

	sortByActivity(sessions)
	return sessions, nil
}

// CleanupExpiredSessions removes expired sessions, each in its own
// transaction so activity recorded since the query keeps a session alive.
func (s *FirestoreStorage) CleanupExpiredSessions(ctx context.Context) (int, error) {
	cutoff := s.opts.now().Add(-s.opts.timeout)
	iter := s.client.Collection(s.collection).
		Where("last_activity_at", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var expired []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, mapFirestoreErr("query expired sessions", err)
		}
		expired = append(expired, doc.Ref.ID)
	}

	count := 0
	for _, sessionID := range expired {
		removed, err := s.removeIfExpired(ctx, sessionID)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}

	if count > 0 {
		log.LogInfoWithFields("firestore", "Cleaned up expired sessions", map[string]any{
			"count": count,
		})
	}
	return count, nil
}

// removeIfExpired re-checks expiry inside a transaction before deleting
func (s *FirestoreStorage) removeIfExpired(ctx context.Context, sessionID string) (bool, error) {
	removed := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		removed = false
		sess, err := getSession(tx, s.sessionRef(sessionID))
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !sess.IsExpired(s.opts.now(), s.opts.timeout) {
			return nil
		}
		if err := s.removeInTx(tx, sess); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, mapFirestoreErr("expire session", err)
	}
	return removed, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
