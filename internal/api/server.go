// Package api serves the local admin API: enrollment, identity status and
// badge operations proxied to the badge factory, plus a websocket feed of
// bridge events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"obf-bridge/internal/client"
	"obf-bridge/internal/config"
	"obf-bridge/internal/database"
	"obf-bridge/internal/enrollment"
	"obf-bridge/internal/health"
)

// Enroller is the enrollment surface the API drives
type Enroller interface {
	Enroll(ctx context.Context, token string) error
	Deauthenticate(ctx context.Context)
	TestConnection(ctx context.Context) (int, error)
	Status() enrollment.Status
}

// BadgeService is the badge factory surface the API proxies
type BadgeService interface {
	GetIssuer(ctx context.Context) (*client.Issuer, error)
	GetBadge(ctx context.Context, badgeID string) (*client.Badge, error)
	GetBadges(ctx context.Context, categories []string) ([]client.Badge, error)
	GetCategories(ctx context.Context) ([]string, error)
	GetAssertions(ctx context.Context, badgeID, email string) ([]client.Assertion, error)
	GetEvent(ctx context.Context, eventID string) (*client.Assertion, error)
	GetRevoked(ctx context.Context, eventID string) (*client.Revoked, error)
	IssueBadge(ctx context.Context, badge *client.Badge, req *client.IssueRequest) error
	RevokeEvent(ctx context.Context, eventID string, emails []string) error
}

// IssuanceLog records issue and revoke calls locally
type IssuanceLog interface {
	RecordIssuance(rec *database.IssuanceRecord) error
	History(badgeID string, limit int) ([]database.IssuanceRecord, error)
}

// Server represents the HTTP API server
type Server struct {
	config     config.AdminAPIConfig
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	hub        *Hub
	health     http.Handler
}

// NewServer creates a new API server instance
func NewServer(cfg config.AdminAPIConfig, enroller Enroller, badges BadgeService, issuance IssuanceLog, logger *logrus.Logger) (*Server, error) {
	if enroller == nil || badges == nil {
		return nil, fmt.Errorf("enroller and badge service are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	hub := NewHub(logger)
	server := &Server{
		config:   cfg,
		logger:   logger,
		router:   mux.NewRouter(),
		hub:      hub,
		handlers: NewHandlers(enroller, badges, issuance, hub, logger),
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return server, nil
}

// NewServerFromComponents builds a server over a wired bridge and subscribes
// the websocket hub to enrollment events
func NewServerFromComponents(c *enrollment.Components, logger *logrus.Logger) (*Server, error) {
	var issuance IssuanceLog
	if c.DB != nil {
		issuance = c
	}

	server, err := NewServer(c.Config.AdminAPI, c.Manager, c.Client, issuance, logger)
	if err != nil {
		return nil, err
	}
	c.Manager.SetNotifier(server.hub)
	server.SetHealth(health.NewFromComponents(c, logger))
	return server, nil
}

// SetHealth installs the unauthenticated /api/v1/health handler
func (s *Server) SetHealth(h http.Handler) {
	s.health = h
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"addr": s.httpServer.Addr,
		"auth": s.config.JWTSecret != "",
	}).Info("Starting admin API server")

	s.hub.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Admin API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		s.hub.Stop()
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("Admin API server shutdown complete")
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

func (s *Server) setupRoutes() {
	// Health endpoint (no auth required)
	s.router.HandleFunc("/api/v1/health", s.serveHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticationMiddleware)

	h := s.handlers

	// Identity
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/enroll", h.Enroll).Methods(http.MethodPost)
	api.HandleFunc("/deauthenticate", h.Deauthenticate).Methods(http.MethodPost)
	api.HandleFunc("/ping", h.Ping).Methods(http.MethodGet)

	// Badge factory
	api.HandleFunc("/issuer", h.GetIssuer).Methods(http.MethodGet)
	api.HandleFunc("/categories", h.GetCategories).Methods(http.MethodGet)
	api.HandleFunc("/badges", h.GetBadges).Methods(http.MethodGet)
	api.HandleFunc("/badges/{id}", h.GetBadge).Methods(http.MethodGet)
	api.HandleFunc("/badges/{id}/issue", h.IssueBadge).Methods(http.MethodPost)
	api.HandleFunc("/assertions", h.GetAssertions).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}", h.GetEvent).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}", h.RevokeEvent).Methods(http.MethodDelete)
	api.HandleFunc("/events/{id}/revoked", h.GetRevoked).Methods(http.MethodGet)

	// Local issuance log
	api.HandleFunc("/history", h.GetHistory).Methods(http.MethodGet)

	api.HandleFunc("/ws", h.WebSocket).Methods(http.MethodGet)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, s.logger, http.StatusNotFound, "health checks are not configured")
		return
	}
	s.health.ServeHTTP(w, r)
}
