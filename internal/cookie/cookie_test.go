package cookie

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/authfront/internal/envutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSession(t *testing.T) {
	t.Run("production", func(t *testing.T) {
		t.Setenv(envutil.EnvVar, "")
		rec := httptest.NewRecorder()
		SetSession(rec, "sid", time.Hour)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		c := cookies[0]
		assert.Equal(t, SessionCookie, c.Name)
		assert.Equal(t, "sid", c.Value)
		assert.True(t, c.HttpOnly)
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
		assert.Equal(t, 3600, c.MaxAge)
	})

	t.Run("development", func(t *testing.T) {
		t.Setenv(envutil.EnvVar, "dev")
		rec := httptest.NewRecorder()
		SetSession(rec, "sid", time.Hour)

		c := rec.Result().Cookies()[0]
		assert.False(t, c.Secure)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	})
}

func TestGetAndClearSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := GetSession(req)
	assert.ErrorIs(t, err, http.ErrNoCookie)

	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "abc"})
	value, err := GetSession(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", value)

	rec := httptest.NewRecorder()
	ClearSession(rec)
	c := rec.Result().Cookies()[0]
	assert.Equal(t, SessionCookie, c.Name)
	assert.Equal(t, -1, c.MaxAge)
}
