// Package api exposes the engine over JSON/HTTP: task submission, workflow
// inspection, pool stats, failure snapshots, a websocket event stream and
// Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/bookingd/pkg/logging"
	"github.com/odvcencio/bookingd/pkg/orchestrator"
	"github.com/odvcencio/bookingd/pkg/pool"
	"github.com/odvcencio/bookingd/pkg/snapshot"
	"github.com/odvcencio/bookingd/pkg/telemetry"
	"github.com/odvcencio/bookingd/pkg/workflow"
)

// Config controls the API server behavior.
type Config struct {
	BindAddress string
	Version     string
}

// Server hosts the engine's HTTP surface.
type Server struct {
	cfg        Config
	orch       *orchestrator.Orchestrator
	registry   *workflow.Registry
	sessions   *pool.Pool
	snapshots  *snapshot.Store
	hub        *telemetry.Hub
	log        *logging.Logger
	httpServer *http.Server
}

// NewServer wires the HTTP surface. snapshots, hub and log may be nil.
func NewServer(cfg Config, orch *orchestrator.Orchestrator, registry *workflow.Registry,
	sessions *pool.Pool, snapshots *snapshot.Store, hub *telemetry.Hub, log *logging.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8077"
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		registry:  registry,
		sessions:  sessions,
		snapshots: snapshots,
		hub:       hub,
		log:       log,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestLogger)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
		r.Get("/pool", s.handlePoolStats)
		r.Get("/snapshots/{snapshotID}", s.handleGetSnapshot)
		r.Get("/events", s.handleEvents)
	})
	return router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info(logging.CategoryHTTP, "listening", s.cfg.BindAddress, nil)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug(logging.CategoryHTTP, "request", "", map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}
