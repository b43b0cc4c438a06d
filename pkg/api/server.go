// Package api serves the change request operations over HTTP.
//
// Every operation that acts on a change request answers with the request
// as it stands afterwards. Failures carry the engine error (code, class and
// the full list of reasons) and, when the request exists, the request too,
// so a client always sees the state an error left behind.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/orchestrator"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to an orchestrator.Service.
type Server struct {
	svc     *orchestrator.Service
	logger  zerolog.Logger
	metrics http.Handler
	health  func(context.Context) error
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "api").Logger() }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck makes /healthz report unavailable while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// NewServer creates the HTTP server for svc.
func NewServer(svc *orchestrator.Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Route("/change-requests", func(cr chi.Router) {
			cr.Post("/", s.createChangeRequest)
			cr.Get("/", s.listChangeRequests)
			cr.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.getChangeRequest)
				one.Post("/advance", s.advance)
				one.Post("/approve", s.approve)
				one.Post("/cancel", s.cancel)
				one.Post("/amend", s.amend)
				one.Post("/destroy", s.requestDestroy)
				one.Get("/runs", s.listRuns)
			})
		})
		api.Get("/tenants/{tenant}/audit", s.listAudit)
		api.Get("/gates", s.listGates)
		api.Get("/locks", s.listLocks)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request handled")
	})
}
