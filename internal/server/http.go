package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/authfront/internal/json"
	"github.com/dgellow/authfront/internal/log"
)

// healthProbeTimeout bounds the storage check done by /health
const healthProbeTimeout = 2 * time.Second

// HTTPServer owns the listener for the auth and admin endpoints
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer wraps handler in an http.Server listening on addr. Bodies are
// small JSON documents, so the read and write deadlines stay tight.
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       2 * time.Minute,
			MaxHeaderBytes:    1 << 16,
		},
	}
}

// Pinger is implemented by session stores that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body served by /health
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Error   string `json:"error,omitempty"`
}

// HealthHandler reports liveness plus the reachability of the session store
type HealthHandler struct {
	storageKind string
	pinger      Pinger
}

// NewHealthHandler creates a health handler. store may be nil or a store
// without a Ping method, in which case storage is always reported as ok.
func NewHealthHandler(storageKind string, store any) *HealthHandler {
	h := &HealthHandler{storageKind: storageKind}
	if p, ok := store.(Pinger); ok {
		h.pinger = p
	}
	return h
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Storage: h.storageKind}
	if h.pinger == nil {
		_ = jsonwriter.Write(w, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		log.LogWarnWithFields("http", "Health check failed", map[string]any{
			"storage": h.storageKind,
			"error":   err.Error(),
		})
		resp.Status = "degraded"
		resp.Error = "session store unreachable"
		_ = jsonwriter.WriteResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	_ = jsonwriter.Write(w, resp)
}

// Start serves until Stop is called or the listener fails
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "Listening", map[string]any{
		"addr": h.server.Addr,
	})

	err := h.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests until ctx expires
func (h *HTTPServer) Stop(ctx context.Context) error {
	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.LogErrorWithFields("http", "Shutdown incomplete", map[string]any{
			"addr":  h.server.Addr,
			"error": err.Error(),
		})
		return err
	}
	log.LogInfoWithFields("http", "Stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
