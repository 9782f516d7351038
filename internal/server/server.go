// Package server is the HTTP and WebSocket façade over the studio:
// rollout execution, run orchestration, telemetry ingestion, analyses,
// and schedules, all under /api/v1.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/analysis"
	"github.com/dojoworks/dojo/internal/blob"
	"github.com/dojoworks/dojo/internal/ingest"
	"github.com/dojoworks/dojo/internal/orchestrator"
	"github.com/dojoworks/dojo/internal/policy"
	"github.com/dojoworks/dojo/internal/rollout"
	"github.com/dojoworks/dojo/internal/storage"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps carries every collaborator the façade serves.
type Deps struct {
	Engine   *rollout.Engine
	Loader   *policy.Loader
	Analysis *analysis.Service
	Orch     *orchestrator.Orchestrator
	Sched    *orchestrator.Scheduler
	Ingest   *ingest.Ingestor
	Signer   *ingest.TokenSigner
	Store    storage.Client
	Blobs    blob.Store
}

// Server routes studio traffic to the subsystems behind it.
type Server struct {
	deps           Deps
	allowedOrigins []string
	validate       *validator.Validate
	upgrader       websocket.Upgrader
	log            *zap.Logger
	http           *http.Server
}

// New builds a Server. allowedOrigins feeds both CORS and the WebSocket
// origin check; empty means same-origin browsers only.
func New(deps Deps, allowedOrigins []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		deps:           deps,
		allowedOrigins: allowedOrigins,
		validate:       validator.New(),
		log:            log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)
	r.Use(maxBodySizeMiddleware)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/rollouts", s.handleRollout)
		r.Get("/rollouts/stream", s.handleRolloutStream)
		r.Post("/rollouts/batch", s.handleBatch)
		r.Post("/rollouts/vectorized", s.handleVectorized)

		r.Post("/runs", s.handleLaunchRun)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/status", s.handleRunStatus)
			r.Get("/logs", s.handleRunLogs)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/watch", s.handleRunWatch)

			// Worker callbacks carry the per-run HMAC token.
			r.Group(func(r chi.Router) {
				r.Use(s.workerAuth)
				r.Post("/metrics", s.handleIngestMetric)
				r.Post("/logs", s.handleIngestLogs)
				r.Post("/status", s.handleWorkerStatus)
			})
		})

		r.Post("/analyses/rollout", s.handleAnalyzeRollout)
		r.Post("/analyses/batch", s.handleAnalyzeBatch)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handlePutSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
			r.Post("/{id}/trigger", s.handleTriggerSchedule)
		})
	})

	return r
}

// Start serves HTTP on addr until the context is cancelled, then drains
// with a shutdown grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}
