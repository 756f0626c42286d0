// Package adminhttp is the read-only ops HTTP surface supplementing the
// line-protocol management channel (spec §12 item 2): /healthz, /metrics,
// and JSON mirrors of the management channel's summary/sessions
// aggregation, adapted from internal/api/server.go's chi router/middleware
// layering.
package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router is the subset of *router.Router the admin surface needs.
type Router interface {
	Summary(ctx context.Context) string
	Sessions(ctx context.Context) string
}

// Server holds the admin HTTP handler dependencies and the chi router.
type Server struct {
	router http.Handler
	rt     Router
	logger *slog.Logger
}

// NewServer builds the admin HTTP handler with all routes mounted.
// authSecret enables bearer-token auth on the /v1/* routes when non-empty
// (spec §12's supplemental ops surface carries no passport of its own).
func NewServer(rt Router, logger *slog.Logger, authSecret []byte) *Server {
	s := &Server{rt: rt, logger: logger.With("component", "adminhttp")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(structuredLogger(s.logger))
	r.Use(recoverer(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		if len(authSecret) > 0 {
			r.Use(requireBearerAuth(authSecret))
		}
		r.Get("/v1/summary", s.handleSummary)
		r.Get("/v1/sessions", s.handleSessions)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	body := s.rt.Summary(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body)) //nolint:errcheck
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	body := s.rt.Sessions(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body)) //nolint:errcheck
}
