// Package api serves the redemption HTTP API: caller endpoints
// authenticated by bearer token, operator fulfillment endpoints, a
// WebSocket status stream and health probes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// Service is the orchestrator surface the API drives.
type Service interface {
	RequestRedemption(ctx context.Context, in redemption.Intent) (*redemption.Request, error)
	CancelRedemption(ctx context.Context, id, requesterID string) (*redemption.Request, error)
	Get(ctx context.Context, id, requesterID string) (*redemption.Request, error)
	Await(ctx context.Context, id string) (*redemption.Request, error)
	ListHistory(ctx context.Context, ownerID string, q history.Query) (*history.Page, error)
	MarkProcessing(ctx context.Context, id string) (*redemption.Request, error)
	MarkFulfilled(ctx context.Context, id string) (*redemption.Request, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// MaxWait caps how long a caller may hold a status request open.
const MaxWait = 60 * time.Second

// Server holds API dependencies.
type Server struct {
	svc           Service
	auth          *Authenticator
	operatorToken string
	stream        *StreamHandler
	checks        map[string]ReadinessCheck
	logger        *slog.Logger
	metrics       *httpMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithOperatorToken enables the fulfillment endpoints.
func WithOperatorToken(token string) Option {
	return func(s *Server) { s.operatorToken = token }
}

// WithStream enables the WebSocket status stream.
func WithStream(h *StreamHandler) Option {
	return func(s *Server) { s.stream = h }
}

// WithReadinessCheck adds a named dependency to /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer returns a Server.
func NewServer(svc Service, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		auth:    auth,
		checks:  make(map[string]ReadinessCheck),
		logger:  slog.Default(),
		metrics: apiMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/redemptions", s.handleRequestRedemption)
		r.Post("/redemptions/cancel", s.handleCancelRedemption)
		r.Get("/redemptions/{id}", s.handleGetRedemption)
		r.Get("/history", s.handleHistory)
		if s.stream != nil {
			r.Get("/redemptions/stream", s.stream.HandleConnect)
		}
	})

	if s.operatorToken != "" {
		r.Route("/internal/v1", func(r chi.Router) {
			r.Use(operatorOnly(s.operatorToken))
			r.Post("/redemptions/{id}/processing", s.handleMarkProcessing)
			r.Post("/redemptions/{id}/fulfilled", s.handleMarkFulfilled)
		})
	}

	return r
}

// observe logs and measures each request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)

		s.metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		s.metrics.durations.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		s.logger.Info("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"req_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady runs every readiness check with a short deadline.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	reasons := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			reasons[name] = err.Error()
		}
	}

	status := map[string]any{
		"ready":     len(reasons) == 0,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(reasons) > 0 {
		status["reasons"] = reasons
		s.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}
