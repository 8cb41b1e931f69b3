package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/config"
	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
	"github.com/JakeFAU/realtime-job-aggregator/internal/logging"
	"github.com/JakeFAU/realtime-job-aggregator/internal/telemetry"
)

// maxBodyBytes caps the scrape request body.
const maxBodyBytes = 64 << 10

// Aggregator runs a search across the configured sources.
type Aggregator interface {
	Aggregate(ctx context.Context, params jobs.SearchParams) ([]jobs.JobRecord, error)
	Sources() []string
}

// Readiness reports whether the browser pool can still serve work.
type Readiness interface {
	Stats() browser.Stats
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	MustNewID() string
}

// ClientLimiter decides whether a client key may make another request.
type ClientLimiter interface {
	Allow(key string) bool
}

// Server wires HTTP handlers to the aggregation service.
type Server struct {
	router  chi.Router
	agg     Aggregator
	ready   Readiness
	ids     IDGenerator
	limiter ClientLimiter
	cfg     config.Config
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithClientLimiter enables per-client rate limiting on the /api routes.
func WithClientLimiter(l ClientLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	agg Aggregator,
	ready Readiness,
	ids IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		agg:    agg,
		ready:  ready,
		ids:    ids,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(ids))
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(securityHeaders)
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
		}
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware(s.limiter))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/scrape", s.scrapeJobs)
			r.Get("/sources", s.listSources)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	stats := s.ready.Stats()
	if stats.Closed {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining", "pool": stats})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "pool": stats})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, s.agg.Sources())
}

type scrapeRequest struct {
	SearchQuery string   `json:"searchQuery"`
	Location    string   `json:"location"`
	JobType     string   `json:"jobType"`
	Sources     []string `json:"sources"`
}

func (s *Server) scrapeJobs(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	params := jobs.SearchParams{
		Query:    req.SearchQuery,
		Location: req.Location,
		JobType:  req.JobType,
		Sources:  req.Sources,
	}
	if err := params.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout())
	defer cancel()

	start := time.Now()
	records, err := s.agg.Aggregate(ctx, params)
	if err != nil {
		status, msg := errorStatus(err)
		s.logger.Warn("scrape failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("query", params.Query),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		s.writeError(w, status, msg)
		return
	}
	s.logger.Info("scrape served",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("query", params.Query),
		zap.Int("records", len(records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.writeData(w, http.StatusOK, records)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		return http.StatusBadRequest, validationMessage(err)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, browser.ErrPoolClosed):
		return http.StatusServiceUnavailable, "service is shutting down"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request canceled"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), jobs.ErrInvalidRequest.Error()+": ")
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}
