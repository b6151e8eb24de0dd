package server

import (
	"errors"
	"net/http"

	"github.com/dgellow/authfront/internal/auth"
	jsonwriter "github.com/dgellow/authfront/internal/json"
	"github.com/dgellow/authfront/internal/log"
)

// AdminHandlers exposes session administration. Every route is expected to
// sit behind the admin API key middleware.
type AdminHandlers struct {
	service *auth.Service
}

// NewAdminHandlers creates admin handlers with dependency injection
func NewAdminHandlers(service *auth.Service) *AdminHandlers {
	return &AdminHandlers{service: service}
}

// SessionsHandler lists live sessions, most recently active first
func (h *AdminHandlers) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	sessions, err := h.service.Sessions(r.Context())
	if err != nil {
		writeAuthError(w, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for i := range sessions {
		resp = append(resp, newSessionResponse(&sessions[i]))
	}
	_ = jsonwriter.Write(w, map[string]any{
		"sessions": resp,
		"count":    len(resp),
	})
}

type revokeRequest struct {
	SessionID string `json:"sessionId"`
}

// RevokeSessionHandler deletes a session on behalf of an administrator
func (h *AdminHandlers) RevokeSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}

	var req revokeRequest
	if err := jsonwriter.DecodeBody(r, &req); err != nil || req.SessionID == "" {
		jsonwriter.WriteBadRequest(w, "Missing sessionId")
		return
	}

	if err := h.service.Revoke(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			jsonwriter.WriteNotFound(w, "Session not found")
			return
		}
		writeAuthError(w, err)
		return
	}

	log.LogInfoWithFields("admin", "Session revoked by admin", map[string]any{
		"session":     log.Redact(req.SessionID),
		"remote_addr": r.RemoteAddr,
	})
	_ = jsonwriter.Write(w, map[string]bool{"success": true})
}

type loggingRequest struct {
	Level string `json:"level"`
}

// LoggingHandler reports the log level on GET and changes it on POST
func (h *AdminHandlers) LoggingHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_ = jsonwriter.Write(w, map[string]string{"level": log.GetLogLevel()})
	case http.MethodPost:
		var req loggingRequest
		if err := jsonwriter.DecodeBody(r, &req); err != nil || req.Level == "" {
			jsonwriter.WriteBadRequest(w, "Missing level")
			return
		}

		if err := log.SetLogLevel(req.Level); err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}

		log.LogInfoWithFields("admin", "Log level changed by admin", map[string]any{
			"new_level":   req.Level,
			"remote_addr": r.RemoteAddr,
		})
		_ = jsonwriter.Write(w, map[string]string{"level": log.GetLogLevel()})
	default:
		jsonwriter.WriteMethodNotAllowed(w)
	}
}
