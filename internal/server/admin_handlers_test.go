package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgellow/authfront/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionList struct {
	Sessions []SessionResponse `json:"sessions"`
	Count    int               `json:"count"`
}

func TestAdminSessionsAndRevoke(t *testing.T) {
	h, service := newTestHandlers(t, testBotToken)
	admin := NewAdminHandlers(service)

	ann := login(t, h, signedAssertion(42, "Ann"))
	bob := login(t, h, signedAssertion(7, "Bob"))

	rr := httptest.NewRecorder()
	admin.SessionsHandler(rr, httptest.NewRequest(http.MethodGet, "/admin/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	listed := decodeJSON[sessionList](t, rr)
	assert.Equal(t, 2, listed.Count)
	ids := []string{listed.Sessions[0].SessionID, listed.Sessions[1].SessionID}
	assert.ElementsMatch(t, []string{ann.SessionID, bob.SessionID}, ids)
	assert.NotContains(t, rr.Body.String(), "correlation")

	rr = httptest.NewRecorder()
	admin.RevokeSessionHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/sessions/revoke", strings.NewReader(`{"sessionId":"`+ann.SessionID+`"}`)))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	admin.RevokeSessionHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/sessions/revoke", strings.NewReader(`{"sessionId":"`+ann.SessionID+`"}`)))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	admin.RevokeSessionHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/sessions/revoke", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	admin.RevokeSessionHandler(rr, httptest.NewRequest(http.MethodGet, "/admin/sessions/revoke", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAdminLoggingHandler(t *testing.T) {
	original := log.GetLogLevel()
	t.Cleanup(func() { _ = log.SetLogLevel(original) })

	_, service := newTestHandlers(t, testBotToken)
	admin := NewAdminHandlers(service)

	rr := httptest.NewRecorder()
	admin.LoggingHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/logging", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "debug", log.GetLogLevel())

	rr = httptest.NewRecorder()
	admin.LoggingHandler(rr, httptest.NewRequest(http.MethodGet, "/admin/logging", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]string{"level": "debug"}, decodeJSON[map[string]string](t, rr))

	rr = httptest.NewRecorder()
	admin.LoggingHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/logging", strings.NewReader(`{"level":"loud"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "debug", log.GetLogLevel())

	rr = httptest.NewRecorder()
	admin.LoggingHandler(rr, httptest.NewRequest(http.MethodDelete, "/admin/logging", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
