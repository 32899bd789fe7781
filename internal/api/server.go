package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/usage"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the API server configuration
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the collaborators the API server calls
type Deps struct {
	Tracker    UsageTracker
	Authorizer Authorizer
	Events     usage.EventTracker
	Store      Pinger
	Verifier   *TokenVerifier
	Limiter    Limiter // nil disables rate limiting
}

// Server is the voice usage HTTP server
type Server struct {
	config   Config
	deps     Deps
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Public routes
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	// Authenticated routes
	voice := NewVoiceHandler(s.deps.Tracker, s.deps.Authorizer, s.deps.Events, s.logger)

	authRouter := s.router.PathPrefix("/api/voice").Subrouter()
	authRouter.Use(AuthMiddleware(s.deps.Verifier))
	if s.deps.Limiter != nil {
		authRouter.Use(RateLimitMiddleware(s.deps.Limiter, s.logger))
	}

	authRouter.HandleFunc("/authorize", voice.Authorize).Methods(http.MethodPost)
	authRouter.HandleFunc("/session/start", voice.StartSession).Methods(http.MethodPost)
	authRouter.HandleFunc("/session/end", voice.EndSession).Methods(http.MethodPost)
	authRouter.HandleFunc("/usage", voice.Usage).Methods(http.MethodGet)
	authRouter.HandleFunc("/usage/history", voice.History).Methods(http.MethodGet)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener (for systemd socket activation)
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server
func (s *Server) Start() error {
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
		}
		s.listener = ln
	}

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  "usage store unreachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
