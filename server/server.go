// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"handbook-notifier/fanout"
	"handbook-notifier/pkg/notifier"
)

// NotificationStore is the persistence surface for the member-facing API.
type NotificationStore interface {
	NotificationsFor(ctx context.Context, userID string) ([]*notifier.Record, error)
	UnreadFor(ctx context.Context, userID string) ([]*notifier.Record, error)
	Notification(ctx context.Context, id string) (*notifier.Record, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	PreferencesFor(ctx context.Context, userID string) (*notifier.Preferences, error)
	SavePreferences(ctx context.Context, userID string, p *notifier.Preferences) error
}

// FanOut runs the notification workflow for one forum event.
type FanOut interface {
	Run(ctx context.Context, event *notifier.Event) (*fanout.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	fanout        FanOut
	store         NotificationStore
	logger        *slog.Logger
	webhookSecret string
	serviceKey    string
	jwtSecret     string
}

// Config holds server configuration. Secrets are injected here rather
// than read from the environment at call sites.
type Config struct {
	FanOut        FanOut
	Store         NotificationStore
	Logger        *slog.Logger
	WebhookSecret string
	ServiceKey    string
	JWTSecret     string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		fanout:        cfg.FanOut,
		store:         cfg.Store,
		logger:        cfg.Logger,
		webhookSecret: cfg.WebhookSecret,
		serviceKey:    cfg.ServiceKey,
		jwtSecret:     cfg.JWTSecret,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /hooks/forum", s.handleForumEvent)

	mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	mux.HandleFunc("GET /api/notifications/unread", s.handleListUnread)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("POST /api/notifications/read-all", s.handleMarkAllRead)

	mux.HandleFunc("GET /api/preferences", s.handleGetPreferences)
	mux.HandleFunc("PUT /api/preferences", s.handlePutPreferences)

	return s.recoverPanics(mux)
}

// Start runs the HTTP server with timeouts to prevent resource exhaustion.
func (s *Server) Start(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

// recoverPanics converts an escaped panic into a 500 instead of killing
// the connection.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panicked", "path", r.URL.Path, "panic", rec)
				s.writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
