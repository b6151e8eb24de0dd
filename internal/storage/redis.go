package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/identity"
	"github.com/dgellow/authfront/internal/log"
	"github.com/go-redis/redis/v8"
)

// Ensure RedisStorage implements SessionStore
var _ SessionStore = (*RedisStorage)(nil)

const (
	defaultRedisPrefix = "authfront:"

	// maxTxRetries bounds optimistic WATCH/MULTI retries under contention
	maxTxRetries = 10
)

// RedisStorage persists sessions in Redis so they survive process restarts.
//
// Layout:
//   - <prefix>session:<id>     JSON encoded Session
//   - <prefix>user:<extId>     session id
//   - <prefix>token:<token>    session id
//
// Every key carries a Redis TTL equal to the inactivity timeout, refreshed on
// activity, so abandoned sessions disappear even if no sweep runs. Mutations
// use WATCH/MULTI; per-user mutations also take an in-process keyed lock to
// avoid needless transaction retries between local goroutines.
type RedisStorage struct {
	client    *redis.Client
	prefix    string
	opts      options
	userLocks keyedMutex
}

// NewRedisStorage connects to redisURL (redis://[:password@]host:port/db)
func NewRedisStorage(ctx context.Context, redisURL string, opts ...Option) (*RedisStorage, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redisURL is required")
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Set connection timeouts
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second
	redisOpts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.LogInfoWithFields("redis", "Connected to redis", map[string]any{
		"addr": redisOpts.Addr,
		"db":   redisOpts.DB,
	})

	return &RedisStorage{
		client: client,
		prefix: defaultRedisPrefix,
		opts:   applyOptions(opts),
	}, nil
}

func (s *RedisStorage) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStorage) userKey(externalUserID int64) string {
	return s.prefix + "user:" + strconv.FormatInt(externalUserID, 10)
}

func (s *RedisStorage) tokenKey(token string) string {
	return s.prefix + "token:" + token
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// load reads a session document through c, which may be the client or a
// transaction. Corrupt documents are treated as missing.
func (s *RedisStorage) load(ctx context.Context, c redis.Cmdable, sessionID string) (*Session, error) {
	data, err := c.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		log.LogWarnWithFields("redis", "Dropping corrupt session document", map[string]any{
			"session": log.Redact(sessionID),
			"error":   err.Error(),
		})
		c.Del(ctx, s.sessionKey(sessionID))
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

// lookup resolves an index key to a session id
func (s *RedisStorage) lookup(ctx context.Context, c redis.Cmdable, key string) (string, error) {
	sessionID, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", unavailable("get index", err)
	}
	return sessionID, nil
}

// owned reports whether the index key still points at sessionID
func (s *RedisStorage) owned(ctx context.Context, c redis.Cmdable, key, sessionID string) bool {
	current, err := c.Get(ctx, key).Result()
	return err == nil && current == sessionID
}

// indexKeys returns the user and token index keys of sess
func (s *RedisStorage) indexKeys(sess *Session) []string {
	keys := []string{s.userKey(sess.ExternalUserID())}
	if sess.CorrelationToken != "" {
		keys = append(keys, s.tokenKey(sess.CorrelationToken))
	}
	return keys
}

// ownedIndexes watches the index keys of sess and returns those that still
// point at it.
func (s *RedisStorage) ownedIndexes(ctx context.Context, tx *redis.Tx, sess *Session) ([]string, error) {
	keys := s.indexKeys(sess)
	if err := tx.Watch(ctx, keys...).Err(); err != nil {
		return nil, unavailable("watch indexes", err)
	}
	owned := keys[:0]
	for _, key := range keys {
		if s.owned(ctx, tx, key, sess.SessionID) {
			owned = append(owned, key)
		}
	}
	return owned, nil
}

// putSession queues the session document and claims its index keys
func (s *RedisStorage) putSession(ctx context.Context, pipe redis.Pipeliner, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := s.opts.timeout
	pipe.Set(ctx, s.sessionKey(sess.SessionID), data, ttl)
	for _, key := range s.indexKeys(sess) {
		pipe.Set(ctx, key, sess.SessionID, ttl)
	}
	return nil
}

// removeInTx deletes sess and the index keys that still point at it
func (s *RedisStorage) removeInTx(ctx context.Context, tx *redis.Tx, sess *Session) error {
	owned, err := s.ownedIndexes(ctx, tx, sess)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, append([]string{s.sessionKey(sess.SessionID)}, owned...)...)
		return nil
	})
	return err
}

// retryTx runs fn in a WATCH transaction on keys, retrying on conflicts
func (s *RedisStorage) retryTx(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.LogTraceWithFields("redis", "Transaction conflict, retrying", map[string]any{
			"op":      op,
			"attempt": attempt + 1,
		})
	}
	return unavailable(op, fmt.Errorf("too many transaction conflicts"))
}

// loadUserSession resolves the user index inside tx and watches the session
// it points to. A dangling index yields a nil session.
func (s *RedisStorage) loadUserSession(ctx context.Context, tx *redis.Tx, externalUserID int64) (*Session, error) {
	sessionID, err := s.lookup(ctx, tx, s.userKey(externalUserID))
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Watch(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		return nil, unavailable("watch session", err)
	}
	sess, err := s.load(ctx, tx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return sess, err
}

// CreateSession inserts a session or refreshes the live one for the same user
func (s *RedisStorage) CreateSession(ctx context.Context, id identity.Identity, correlationToken string) (*Session, error) {
	unlock := s.userLocks.Lock(id.Key())
	defer unlock()

	var result *Session
	err := s.retryTx(ctx, "create session", func(tx *redis.Tx) error {
		now := s.opts.now()

		existing, err := s.loadUserSession(ctx, tx, id.ID)
		if err != nil {
			return err
		}

		var stale []string
		if existing != nil {
			if stale, err = s.ownedIndexes(ctx, tx, existing); err != nil {
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
			sessionID, err := crypto.GenerateSessionID()
			if err != nil {
				return err
			}
			sess = &Session{
				SessionID:        sessionID,
				Identity:         id,
				CorrelationToken: correlationToken,
				CreatedAt:        now,
				LastActivityAt:   now,
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if existing != nil && existing.SessionID != sess.SessionID {
				pipe.Del(ctx, s.sessionKey(existing.SessionID))
			}
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			return s.putSession(ctx, pipe, sess)
		})
		if err != nil {
			return err
		}
		result = sess
		return nil
	}, s.userKey(id.ID))
	if err != nil {
		return nil, wrapRedisErr("create session", err)
	}
	return result, nil
}

// GetSession returns a live session and bumps its activity
func (s *RedisStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	var result *Session
	err := s.retryTx(ctx, "get session", func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		now := s.opts.now()
		if sess.IsExpired(now, s.opts.timeout) {
			if err := s.removeInTx(ctx, tx, sess); err != nil {
				return err
			}
			return ErrSessionNotFound
		}

		owned, err := s.ownedIndexes(ctx, tx, sess)
		if err != nil {
			return err
		}
		sess.touch(now)
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.sessionKey(sessionID), data, s.opts.timeout)
			for _, key := range owned {
				pipe.Expire(ctx, key, s.opts.timeout)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = sess
		return nil
	}, s.sessionKey(sessionID))
	if err != nil {
		return nil, wrapRedisErr("get session", err)
	}
	return result, nil
}

// resolve loads the session behind an index key, checking that the session
// still agrees with the index and expiring it lazily.
func (s *RedisStorage) resolve(ctx context.Context, indexKey string, matches func(*Session) bool) (*Session, error) {
	sessionID, err := s.lookup(ctx, s.client, indexKey)
	if err != nil {
		return nil, err
	}
	sess, err := s.load(ctx, s.client, sessionID)
	if err != nil {
		return nil, err
	}
	if !matches(sess) {
		return nil, ErrSessionNotFound
	}
	if sess.IsExpired(s.opts.now(), s.opts.timeout) {
		if _, err := s.removeIfExpired(ctx, sessionID); err != nil {
			log.LogWarnWithFields("redis", "Failed to remove expired session", map[string]any{
				"session": log.Redact(sessionID),
				"error":   err.Error(),
			})
		}
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GetSessionByUser returns the live session of an external user
func (s *RedisStorage) GetSessionByUser(ctx context.Context, externalUserID int64) (*Session, error) {
	return s.resolve(ctx, s.userKey(externalUserID), func(sess *Session) bool {
		return sess.ExternalUserID() == externalUserID
	})
}

// GetSessionByToken returns the live session a correlation token points to
func (s *RedisStorage) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	return s.resolve(ctx, s.tokenKey(token), func(sess *Session) bool {
		return sess.CorrelationToken == token
	})
}

// DeleteSession removes a session and its index entries
func (s *RedisStorage) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	existed := false
	err := s.retryTx(ctx, "delete session", func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.removeInTx(ctx, tx, sess); err != nil {
			return err
		}
		existed = true
		return nil
	}, s.sessionKey(sessionID))
	if err != nil {
		return false, wrapRedisErr("delete session", err)
	}
	return existed, nil
}

// AttachToken attaches a correlation token to the user's live session
func (s *RedisStorage) AttachToken(ctx context.Context, externalUserID int64, token string) error {
	if token == "" {
		return nil
	}
	unlock := s.userLocks.Lock(identity.Identity{ID: externalUserID}.Key())
	defer unlock()

	err := s.retryTx(ctx, "attach token", func(tx *redis.Tx) error {
		sess, err := s.loadUserSession(ctx, tx, externalUserID)
		if err != nil || sess == nil {
			return err
		}
		if sess.IsExpired(s.opts.now(), s.opts.timeout) {
			return s.removeInTx(ctx, tx, sess)
		}

		stale, err := s.ownedIndexes(ctx, tx, sess)
		if err != nil {
			return err
		}
		sess.CorrelationToken = token
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			return s.putSession(ctx, pipe, sess)
		})
		return err
	}, s.userKey(externalUserID))
	if err != nil {
		return wrapRedisErr("attach token", err)
	}
	return nil
}

// scanSessions calls fn for every stored session document
func (s *RedisStorage) scanSessions(ctx context.Context, fn func(sess *Session)) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return unavailable("scan sessions", err)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		fn(&sess)
	}
	if err := iter.Err(); err != nil {
		return unavailable("scan sessions", err)
	}
	return nil
}

// ListSessions returns all live sessions
func (s *RedisStorage) ListSessions(ctx context.Context) ([]Session, error) {
	now := s.opts.now()
	var sessions []Session
	err := s.scanSessions(ctx, func(sess *Session) {
		if !sess.IsExpired(now, s.opts.timeout) {
			sessions = append(sessions, *sess)
		}
	})
	if err != nil {
		return nil, err
	}
	sortByActivity(sessions)
	return sessions, nil
}

// CleanupExpiredSessions removes expired sessions one by one
func (s *RedisStorage) CleanupExpiredSessions(ctx context.Context) (int, error) {
	var expired []string
	now := s.opts.now()
	err := s.scanSessions(ctx, func(sess *Session) {
		if sess.IsExpired(now, s.opts.timeout) {
			expired = append(expired, sess.SessionID)
		}
	})
	if err != nil {
		return 0, err
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
	return count, nil
}

// removeIfExpired re-checks expiry inside a transaction before deleting
func (s *RedisStorage) removeIfExpired(ctx context.Context, sessionID string) (bool, error) {
	removed := false
	err := s.retryTx(ctx, "expire session", func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !sess.IsExpired(s.opts.now(), s.opts.timeout) {
			return nil
		}
		if err := s.removeInTx(ctx, tx, sess); err != nil {
			return err
		}
		removed = true
		return nil
	}, s.sessionKey(sessionID))
	if err != nil {
		return false, wrapRedisErr("expire session", err)
	}
	return removed, nil
}

// Ping checks that Redis is reachable
func (s *RedisStorage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// wrapRedisErr passes through store sentinels and wraps anything else
func wrapRedisErr(op string, err error) error {
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return unavailable(op, err)
}
