package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dgellow/authfront/internal/auth"
	"github.com/dgellow/authfront/internal/cookie"
	"github.com/dgellow/authfront/internal/identity"
	jsonwriter "github.com/dgellow/authfront/internal/json"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/dgellow/authfront/internal/verifier"
)

// invalidAuthMessage is the only detail external callers get about a failed
// verification
const invalidAuthMessage = "invalid authentication data"

// AuthHandlers serves the three login channels and the session endpoints
type AuthHandlers struct {
	service        *auth.Service
	sessionTimeout time.Duration
	allowedOrigins []string
}

// NewAuthHandlers creates new auth handlers with dependency injection
func NewAuthHandlers(service *auth.Service, sessionTimeout time.Duration, allowedOrigins []string) *AuthHandlers {
	if sessionTimeout <= 0 {
		sessionTimeout = storage.DefaultSessionTimeout
	}
	return &AuthHandlers{
		service:        service,
		sessionTimeout: sessionTimeout,
		allowedOrigins: allowedOrigins,
	}
}

// SessionResponse describes a live session to its owner or an admin
type SessionResponse struct {
	Identity       identity.Identity `json:"identity"`
	SessionID      string            `json:"sessionId"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}

func newSessionResponse(sess *storage.Session) SessionResponse {
	return SessionResponse{
		Identity:       sess.Identity,
		SessionID:      sess.SessionID,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
}

// authErrorStatus maps an orchestrator error to a status code and a message
// that is safe to show to the caller
func authErrorStatus(err error) (int, string) {
	var mf *auth.MissingFieldsError
	switch {
	case errors.As(err, &mf):
		return http.StatusBadRequest, mf.Error()
	case errors.Is(err, auth.ErrMissingFields):
		return http.StatusBadRequest, "Missing required fields"
	case errors.Is(err, auth.ErrNotConfigured):
		return http.StatusInternalServerError, "Authentication is not configured"
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, verifier.ErrMalformed):
		return http.StatusUnauthorized, invalidAuthMessage
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, storage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Session storage unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	status, message := authErrorStatus(err)
	if status >= http.StatusInternalServerError {
		log.LogErrorWithFields("auth", "Request failed", map[string]any{
			"status": status,
			"error":  err.Error(),
		})
	}

	switch {
	case status == http.StatusBadRequest:
		jsonwriter.WriteBadRequest(w, message)
	case status == http.StatusUnauthorized:
		jsonwriter.WriteUnauthorized(w, message)
	case status == http.StatusNotFound:
		jsonwriter.WriteNotFound(w, message)
	case status == http.StatusServiceUnavailable:
		jsonwriter.WriteServiceUnavailable(w, message)
	case errors.Is(err, auth.ErrNotConfigured):
		jsonwriter.WriteNotConfigured(w, message)
	default:
		jsonwriter.WriteInternalServerError(w, message)
	}
}

// LoginHandler accepts a widget assertion as JSON
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, jsonwriter.MaxBodyBytes))
	if err != nil {
		jsonwriter.WriteBadRequest(w, "Failed to read request body")
		return
	}

	assertion, err := verifier.ParseJSON(body)
	if err != nil {
		log.LogDebugWithFields("auth", "Unparseable login body", map[string]any{
			"error": err.Error(),
		})
		writeAuthError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), assertion)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	cookie.SetSession(w, result.SessionID, h.sessionTimeout)
	_ = jsonwriter.Write(w, result)
}

// CallbackHandler handles the provider redirect in the popup window and
// relays the result to the opener through postMessage
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	assertion, err := verifier.ParseQuery(r.URL.Query())
	var result *auth.Result
	if err == nil {
		result, err = h.service.LoginVia(r.Context(), auth.ChannelCallback, assertion)
	}

	if err != nil {
		status, message := authErrorStatus(err)
		h.renderCallback(w, status, CallbackPageData{Error: message})
		return
	}

	cookie.SetSession(w, result.SessionID, h.sessionTimeout)
	h.renderCallback(w, http.StatusOK, CallbackPageData{
		Success: true,
		Message: &CallbackMessage{
			Type:      "auth-success",
			Identity:  result.Identity,
			SessionID: result.SessionID,
		},
		TargetOrigins: h.targetOrigins(),
	})
}

func (h *AuthHandlers) targetOrigins() []string {
	if len(h.allowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.allowedOrigins
}

func (h *AuthHandlers) renderCallback(w http.ResponseWriter, status int, data CallbackPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPageTemplate.Execute(w, data); err != nil {
		log.LogError("Failed to render callback page: %v", err)
	}
}

// MeHandler returns the caller's session and records activity on it
func (h *AuthHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	sess, err := h.service.CurrentUser(r.Context(), sessionIDFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			jsonwriter.WriteUnauthorized(w, "Not authenticated")
			return
		}
		writeAuthError(w, err)
		return
	}

	_ = jsonwriter.Write(w, newSessionResponse(sess))
}

type logoutRequest struct {
	SessionID string `json:"sessionId"`
}

// LogoutHandler deletes the caller's session
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		var req logoutRequest
		if err := jsonwriter.DecodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			jsonwriter.WriteBadRequest(w, "Invalid request body")
			return
		}
		sessionID = req.SessionID
	}

	existed, err := h.service.Logout(r.Context(), sessionID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	cookie.ClearSession(w)
	if !existed {
		jsonwriter.WriteNotFound(w, "Session not found")
		return
	}
	_ = jsonwriter.Write(w, map[string]bool{"success": true})
}

// BotLoginHandler accepts logins confirmed by the bot backend. The route is
// protected by the bot integration API key middleware.
func (h *AuthHandlers) BotLoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	var req auth.BotLoginRequest
	if err := jsonwriter.DecodeBody(r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			jsonwriter.WriteBadRequest(w, "Missing request body")
			return
		}
		jsonwriter.WriteBadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.BotLogin(r.Context(), req)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = jsonwriter.Write(w, result)
}

// CheckHandler answers correlation token polls
func (h *AuthHandlers) CheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		jsonwriter.WriteBadRequest(w, "Missing token")
		return
	}

	result, err := h.service.CheckToken(r.Context(), token)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = jsonwriter.Write(w, result)
}

// TokenHandler mints a correlation token for the bot deep link
func (h *AuthHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	token, err := h.service.NewCorrelationToken()
	if err != nil {
		log.LogError("Failed to mint correlation token: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to generate token")
		return
	}
	_ = jsonwriter.Write(w, map[string]string{"token": token})
}
