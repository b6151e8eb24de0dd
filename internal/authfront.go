package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/authfront/internal/auth"
	"github.com/dgellow/authfront/internal/config"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/metrics"
	"github.com/dgellow/authfront/internal/server"
	"github.com/dgellow/authfront/internal/storage"
)

// AuthFront represents the complete login and session service
type AuthFront struct {
	config     config.Config
	httpServer *server.HTTPServer
	storage    storage.SessionStore
	cleanup    *storage.CleanupManager
}

// NewAuthFront creates the application with all dependencies built
func NewAuthFront(ctx context.Context, cfg config.Config) (*AuthFront, error) {
	log.LogInfoWithFields("authfront", "Building application", map[string]any{
		"baseURL": cfg.Server.BaseURL,
		"storage": cfg.Sessions.Storage,
		"metrics": cfg.Metrics.Enabled,
	})

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	handler, service := buildHTTPHandler(cfg, store, m)
	if !service.Configured() {
		log.LogWarnWithFields("authfront", "Provider bot token not configured, signed logins will be rejected", nil)
	}

	var observer storage.SweepObserver
	if m != nil {
		observer = m
	}

	return &AuthFront{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:    store,
		cleanup:    storage.NewCleanupManager(store, cfg.Sessions.CleanupInterval, observer),
	}, nil
}

// Run starts and manages the complete application lifecycle
func (a *AuthFront) Run() error {
	log.LogInfoWithFields("authfront", "Starting application", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Channel to signal errors that should trigger shutdown
	errChan := make(chan error, 1)

	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	a.cleanup.Start(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("authfront", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("authfront", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("authfront", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("authfront", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	a.cleanup.Stop()

	if err := a.storage.Close(); err != nil {
		log.LogErrorWithFields("authfront", "Failed to close session storage", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("authfront", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}

// setupStorage creates the session store selected by configuration
func setupStorage(ctx context.Context, cfg config.Config) (storage.SessionStore, error) {
	opts := []storage.Option{storage.WithTimeout(cfg.Sessions.Timeout)}

	switch cfg.Sessions.Storage {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    cfg.Sessions.GCPProject,
			"database":   cfg.Sessions.FirestoreDatabase,
			"collection": cfg.Sessions.FirestoreCollection,
		})
		store, err := storage.NewFirestoreStorage(
			ctx,
			cfg.Sessions.GCPProject,
			cfg.Sessions.FirestoreDatabase,
			cfg.Sessions.FirestoreCollection,
			opts...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, nil

	case config.StorageRedis:
		log.LogInfoWithFields("storage", "Using Redis storage", nil)
		store, err := storage.NewRedisStorage(ctx, string(cfg.Sessions.RedisURL), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis storage: %w", err)
		}
		return store, nil

	case config.StorageMemory, "":
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStorage(opts...), nil

	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Sessions.Storage)
	}
}

// buildHTTPHandler wires the orchestrator and registers every route. m may
// be nil when metrics are disabled.
func buildHTTPHandler(cfg config.Config, store storage.SessionStore, m *metrics.Metrics) (http.Handler, *auth.Service) {
	var serviceOpts []auth.Option
	if m != nil {
		serviceOpts = append(serviceOpts, auth.WithRecorder(m))
	}
	service := auth.NewService(store, string(cfg.Provider.BotToken), serviceOpts...)

	mux := http.NewServeMux()

	corsMiddleware := server.NewCORSMiddleware(cfg.Server.AllowedOrigins)
	authLogger := server.NewLoggerMiddleware("auth")
	adminLogger := server.NewLoggerMiddleware("admin")
	authRecover := server.NewRecoverMiddleware("auth")
	adminRecover := server.NewRecoverMiddleware("admin")

	// route wraps a chain with per-route instrumentation, outermost, when
	// metrics are enabled
	route := func(name string, middleware ...server.MiddlewareFunc) []server.MiddlewareFunc {
		if m == nil {
			return middleware
		}
		chain := append([]server.MiddlewareFunc{}, middleware...)
		return append(chain, m.Instrument(name))
	}

	mux.Handle("/health", server.NewHealthHandler(string(cfg.Sessions.Storage), store))
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	authHandlers := server.NewAuthHandlers(service, cfg.Sessions.Timeout, cfg.Server.AllowedOrigins)
	authMiddleware := []server.MiddlewareFunc{
		corsMiddleware,
		authLogger,
		authRecover,
	}

	mux.Handle("/auth/login", server.ChainMiddleware(http.HandlerFunc(authHandlers.LoginHandler), route("/auth/login", authMiddleware...)...))
	mux.Handle("/auth/callback", server.ChainMiddleware(http.HandlerFunc(authHandlers.CallbackHandler), route("/auth/callback", authMiddleware...)...))
	mux.Handle("/auth/me", server.ChainMiddleware(http.HandlerFunc(authHandlers.MeHandler), route("/auth/me", authMiddleware...)...))
	mux.Handle("/auth/logout", server.ChainMiddleware(http.HandlerFunc(authHandlers.LogoutHandler), route("/auth/logout", authMiddleware...)...))
	mux.Handle("/auth/check", server.ChainMiddleware(http.HandlerFunc(authHandlers.CheckHandler), route("/auth/check", authMiddleware...)...))
	mux.Handle("/auth/token", server.ChainMiddleware(http.HandlerFunc(authHandlers.TokenHandler), route("/auth/token", authMiddleware...)...))

	// The bot backend calls server-to-server, so no CORS here
	if bot := cfg.BotIntegration; bot != nil && bot.Enabled {
		botMiddleware := []server.MiddlewareFunc{
			server.NewAPIKeyMiddleware("authfront-bot", []byte(bot.APIKeyHash)),
			authLogger,
			authRecover,
		}
		mux.Handle("/auth/bot-login", server.ChainMiddleware(http.HandlerFunc(authHandlers.BotLoginHandler), route("/auth/bot-login", botMiddleware...)...))
		log.LogInfoWithFields("authfront", "Bot login endpoint enabled", nil)
	} else {
		log.LogWarnWithFields("authfront", "Bot integration disabled, /auth/bot-login is not registered", nil)
	}

	if admin := cfg.Admin; admin != nil && admin.Enabled {
		adminHandlers := server.NewAdminHandlers(service)
		adminMiddleware := []server.MiddlewareFunc{
			server.NewAPIKeyMiddleware("authfront-admin", []byte(admin.APIKeyHash)),
			adminLogger,
			adminRecover,
		}
		mux.Handle("/admin/sessions", server.ChainMiddleware(http.HandlerFunc(adminHandlers.SessionsHandler), route("/admin/sessions", adminMiddleware...)...))
		mux.Handle("/admin/sessions/revoke", server.ChainMiddleware(http.HandlerFunc(adminHandlers.RevokeSessionHandler), route("/admin/sessions/revoke", adminMiddleware...)...))
		mux.Handle("/admin/logging", server.ChainMiddleware(http.HandlerFunc(adminHandlers.LoggingHandler), route("/admin/logging", adminMiddleware...)...))
		log.LogInfoWithFields("authfront", "Admin endpoints enabled", nil)
	}

	return mux, service
}
