// Package api exposes the HTTP interface of the retriever service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/his0si/retriever-project-lite/internal/metrics"
	"github.com/his0si/retriever-project-lite/internal/rag"
	"github.com/his0si/retriever-project-lite/internal/service"
	"github.com/his0si/retriever-project-lite/internal/sites"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// Backend is the set of operations the HTTP handlers serve.
type Backend interface {
	HealthChecker
	DBStatus(ctx context.Context) (*service.DBStatus, error)
	SearchURL(ctx context.Context, rawURL string) (*service.URLSearch, error)
	TriggerCrawl(ctx context.Context, root string, depth *int) (tasks.Task, error)
	TriggerAutoCrawl(ctx context.Context) (tasks.Task, []string, error)
	TaskStatus(ctx context.Context, id string) (tasks.Task, error)
	Sites() (*service.SitesView, error)
	ToggleSite(name string) (sites.Site, error)
	Ask(ctx context.Context, question string) (*rag.Answer, error)
	Timestamp() string
}

// Options configures optional routes and cross-origin access.
type Options struct {
	CORSOrigins []string
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// Landing is served at / when set.
	Landing http.Handler
	Logger  *slog.Logger
}

// Server wires HTTP handlers to the backend.
type Server struct {
	router  chi.Router
	backend Backend
	logger  *slog.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(backend Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{backend: backend, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", NewHealthHandler(backend))
	r.Handle("/metrics", metrics.Handler())
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
	}
	if opts.Landing != nil {
		r.Get("/", opts.Landing.ServeHTTP)
	}

	r.Route("/crawl", func(r chi.Router) {
		r.Post("/", s.triggerCrawl)
		r.Post("/auto", s.triggerAutoCrawl)
		r.Get("/sites", s.listSites)
		r.Post("/sites/{name}/toggle", s.toggleSite)
		r.Get("/{task_id}/status", s.taskStatus)
	})
	r.Post("/chat", s.chat)
	r.Get("/db/status", s.dbStatus)
	r.Get("/db/search-url", s.searchURL)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// logRequests logs each request and records it in the HTTP metrics under its route pattern.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, route, status, elapsed)
		s.logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		slog.Default().Error("write JSON failed", "error", err)
	}
}

// writeDetail writes an error body of the form {"detail": msg}.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
