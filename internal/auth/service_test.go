package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/authfront/internal/identity"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/dgellow/authfront/internal/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "botsecret"

var testNow = time.Unix(1_700_000_000, 0)

func signedAssertion(a verifier.Assertion) verifier.Assertion {
	a.Hash = verifier.Sign(a, testSecret)
	return a
}

func annAssertion() verifier.Assertion {
	return signedAssertion(verifier.Assertion{
		ID:        42,
		FirstName: "Ann",
		AuthDate:  testNow.Add(-time.Minute).Unix(),
	})
}

type recordedEvent struct {
	channel Channel
	outcome string
}

type fakeRecorder struct {
	mu     sync.Mutex
	logins []recordedEvent
	polls  []bool
}

func (r *fakeRecorder) LoginAttempt(channel Channel, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, recordedEvent{channel, outcome})
}

func (r *fakeRecorder) TokenPoll(authenticated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = append(r.polls, authenticated)
}

func newTestService(t *testing.T, opts ...Option) (*Service, storage.SessionStore) {
	t.Helper()
	store := storage.NewMemoryStorage()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(store, testSecret, opts...), store
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("valid assertion creates session", func(t *testing.T) {
		svc, _ := newTestService(t)

		res, err := svc.Login(ctx, annAssertion())
		require.NoError(t, err)
		assert.Equal(t, identity.Identity{ID: 42, FirstName: "Ann"}, res.Identity)
		assert.Len(t, res.SessionID, 64)

		sess, err := svc.CurrentUser(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, int64(42), sess.Identity.ID)
	})

	t.Run("second login returns same session", func(t *testing.T) {
		svc, _ := newTestService(t)

		first, err := svc.Login(ctx, annAssertion())
		require.NoError(t, err)
		second, err := svc.LoginVia(ctx, ChannelCallback, annAssertion())
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, second.SessionID)
	})

	t.Run("concurrent logins across channels converge", func(t *testing.T) {
		svc, store := newTestService(t)

		ids := make([]string, 10)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				channel := ChannelWidget
				if i%2 == 0 {
					channel = ChannelCallback
				}
				res, err := svc.LoginVia(ctx, channel, annAssertion())
				if assert.NoError(t, err) {
					ids[i] = res.SessionID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		sessions, err := store.ListSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
	})

	t.Run("missing fields", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.Login(ctx, verifier.Assertion{ID: 42, FirstName: "Ann"})
		assert.ErrorIs(t, err, ErrMissingFields)

		var mf *MissingFieldsError
		require.ErrorAs(t, err, &mf)
		assert.Equal(t, []string{"auth_date", "hash"}, mf.Fields)
	})

	t.Run("not configured", func(t *testing.T) {
		svc := NewService(storage.NewMemoryStorage(), "")
		assert.False(t, svc.Configured())

		_, err := svc.Login(ctx, annAssertion())
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("tampered assertion", func(t *testing.T) {
		svc, store := newTestService(t)

		a := annAssertion()
		a.FirstName = "Mallory"
		_, err := svc.Login(ctx, a)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.ErrorIs(t, err, verifier.ErrBadSignature)

		sessions, err := store.ListSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("stale assertion", func(t *testing.T) {
		svc, _ := newTestService(t)

		a := signedAssertion(verifier.Assertion{
			ID:        42,
			FirstName: "Ann",
			AuthDate:  testNow.Add(-verifier.MaxAssertionAge - time.Second).Unix(),
		})
		_, err := svc.Login(ctx, a)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.ErrorIs(t, err, verifier.ErrExpired)
	})

	t.Run("records outcomes", func(t *testing.T) {
		rec := &fakeRecorder{}
		svc, _ := newTestService(t, WithRecorder(rec))

		_, _ = svc.Login(ctx, annAssertion())
		bad := annAssertion()
		bad.Hash = "00"
		_, _ = svc.LoginVia(ctx, ChannelCallback, bad)

		assert.Equal(t, []recordedEvent{
			{ChannelWidget, OutcomeSuccess},
			{ChannelCallback, OutcomeMalformed},
		}, rec.logins)
	})
}

func TestBotLoginAndPolling(t *testing.T) {
	ctx := context.Background()

	t.Run("poll before and after bot login", func(t *testing.T) {
		rec := &fakeRecorder{}
		svc, _ := newTestService(t, WithRecorder(rec))

		check, err := svc.CheckToken(ctx, "tok-123")
		require.NoError(t, err)
		assert.False(t, check.Authenticated)
		assert.Nil(t, check.Identity)

		res, err := svc.BotLogin(ctx, BotLoginRequest{
			ExternalUserID:   42,
			FirstName:        "Ann",
			CorrelationToken: "tok-123",
		})
		require.NoError(t, err)

		check, err = svc.CheckToken(ctx, "tok-123")
		require.NoError(t, err)
		assert.True(t, check.Authenticated)
		assert.Equal(t, res.SessionID, check.SessionID)
		require.NotNil(t, check.Identity)
		assert.Equal(t, int64(42), check.Identity.ID)

		// Polling is a pure read
		again, err := svc.CheckToken(ctx, "tok-123")
		require.NoError(t, err)
		assert.Equal(t, check, again)

		assert.Equal(t, []bool{false, true, true}, rec.polls)
	})

	t.Run("bot login reuses widget session and refreshes identity", func(t *testing.T) {
		svc, _ := newTestService(t)

		widget, err := svc.Login(ctx, annAssertion())
		require.NoError(t, err)

		bot, err := svc.BotLogin(ctx, BotLoginRequest{
			ExternalUserID:   42,
			FirstName:        "Ann",
			Username:         "ann",
			CorrelationToken: "tok-9",
		})
		require.NoError(t, err)
		assert.Equal(t, widget.SessionID, bot.SessionID)
		assert.Equal(t, "ann", bot.Identity.Username)

		check, err := svc.CheckToken(ctx, "tok-9")
		require.NoError(t, err)
		assert.Equal(t, widget.SessionID, check.SessionID)
	})

	t.Run("bot login missing fields", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.BotLogin(ctx, BotLoginRequest{FirstName: "Ann"})
		var mf *MissingFieldsError
		require.ErrorAs(t, err, &mf)
		assert.Equal(t, []string{"externalUserId", "correlationToken"}, mf.Fields)
	})

	t.Run("empty token", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.CheckToken(ctx, "")
		assert.ErrorIs(t, err, ErrMissingFields)
	})

	t.Run("concurrent polls share one lookup", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.BotLogin(ctx, BotLoginRequest{ExternalUserID: 1, FirstName: "Bo", CorrelationToken: "tok-c"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]*CheckResult, 20)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := svc.CheckToken(ctx, "tok-c")
				if assert.NoError(t, err) {
					results[i] = res
				}
			}(i)
		}
		wg.Wait()

		for _, res := range results {
			require.NotNil(t, res)
			assert.True(t, res.Authenticated)
		}
		// Callers must not share the identity pointer
		results[0].Identity.FirstName = "changed"
		assert.Equal(t, "Bo", results[1].Identity.FirstName)
	})
}

func TestLogoutAndCurrentUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.Login(ctx, annAssertion())
	require.NoError(t, err)

	existed, err := svc.Logout(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = svc.Logout(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = svc.CurrentUser(ctx, res.SessionID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.CurrentUser(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	existed, err = svc.Logout(ctx, "")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRevokeAndSessions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.Login(ctx, annAssertion())
	require.NoError(t, err)

	sessions, err := svc.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.SessionID, sessions[0].SessionID)

	require.NoError(t, svc.Revoke(ctx, res.SessionID))
	assert.ErrorIs(t, svc.Revoke(ctx, res.SessionID), ErrNotFound)
}

func TestNewCorrelationToken(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.NewCorrelationToken()
	require.NoError(t, err)
	b, err := svc.NewCorrelationToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

// brokenStore fails every call with a backend error
type brokenStore struct {
	storage.SessionStore
}

var errBackend = errors.New("connection refused")

func (brokenStore) CreateSession(context.Context, identity.Identity, string) (*storage.Session, error) {
	return nil, errBackend
}

func (brokenStore) GetSession(context.Context, string) (*storage.Session, error) {
	return nil, errBackend
}

func (brokenStore) GetSessionByToken(context.Context, string) (*storage.Session, error) {
	return nil, errBackend
}

func (brokenStore) DeleteSession(context.Context, string) (bool, error) {
	return false, errBackend
}

func TestStorageFailures(t *testing.T) {
	ctx := context.Background()
	svc := NewService(brokenStore{}, testSecret, WithClock(func() time.Time { return testNow }))

	_, err := svc.Login(ctx, annAssertion())
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, errBackend)

	_, err = svc.BotLogin(ctx, BotLoginRequest{ExternalUserID: 1, FirstName: "A", CorrelationToken: "t"})
	assert.ErrorIs(t, err, ErrStorage)

	_, err = svc.CheckToken(ctx, "t")
	assert.ErrorIs(t, err, ErrStorage)

	_, err = svc.CurrentUser(ctx, "sid")
	assert.ErrorIs(t, err, ErrStorage)

	_, err = svc.Logout(ctx, "sid")
	assert.ErrorIs(t, err, ErrStorage)
}
