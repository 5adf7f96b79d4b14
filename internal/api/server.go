// Package api exposes the caller-facing status API over HTTP. It is a thin
// shell around the subscription facade: read endpoints never fail (they
// resolve to the best cached answer), write endpoints surface the gateway's
// structured outcomes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"subguard/internal/types"
)

// requestIDHeader carries the correlation ID to and from clients.
const requestIDHeader = "X-Request-Id"

// Server wires the subscription facade into a chi router.
type Server struct {
	service  SubscriptionService
	logger   *slog.Logger
	router   *chi.Mux
	healthFn HealthFunc
}

// HealthFunc reports per-component reachability, keyed by component name.
// Values are "ok" or a short failure description.
type HealthFunc func(ctx context.Context) map[string]string

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithHealthCheck installs a component reachability probe for /health.
func WithHealthCheck(fn HealthFunc) ServerOption {
	return func(s *Server) { s.healthFn = fn }
}

// SubscriptionService is the facade surface the handlers need. Satisfied by
// *subscription.Service.
type SubscriptionService interface {
	GetStatus(ctx context.Context) types.SubscriptionStatus
	Activate(ctx context.Context, planID string) (types.SubscriptionStatus, error)
	Restore(ctx context.Context) (types.RestoreOutcome, error)
	Reset(ctx context.Context) types.SubscriptionStatus
	MarkReminderShown(ctx context.Context)
	ShouldShowReminder(ctx context.Context) bool
	IsFeatureAvailable(ctx context.Context) bool
	Profile(ctx context.Context, uid string) (*types.UserProfile, bool)
	SaveProfile(ctx context.Context, uid string, p *types.UserProfile) error
	ClearProfile(ctx context.Context, uid string)
}

// NewServer creates the server and mounts its routes.
func NewServer(service SubscriptionService, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mountRoutes()
	return s
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(s.recoverer)
	s.router.Use(requestIDMiddleware)
	s.router.Use(s.requestLogger)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Post("/activate", s.handleActivate)
		r.Post("/purchase", s.handleActivate) // alias: activate is a purchase
		r.Post("/restore", s.handleRestore)
		r.Post("/reset", s.handleReset)
		r.Get("/reminder", s.handleShouldShowReminder)
		r.Post("/reminder/shown", s.handleMarkReminderShown)
		r.Get("/feature", s.handleFeatureAvailable)
		r.Get("/profile/{uid}", s.handleGetProfile)
		r.Put("/profile/{uid}", s.handlePutProfile)
		r.Delete("/profile/{uid}", s.handleDeleteProfile)
	})
	s.router.Get("/health", s.handleHealth)
}

// requestIDMiddleware propagates or generates a correlation ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), reqID)))
	})
}

// recoverer converts handler panics into 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"panic", rec,
					"path", r.URL.Path,
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", types.GetRequestID(r.Context()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
