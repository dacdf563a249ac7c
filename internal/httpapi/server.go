// Package httpapi serves the application API: transcript ingest, call
// lifecycle, the read endpoints and the browser-facing SSE stream.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/httpapi/handlers"
	"github.com/callsight/callsight/internal/httpapi/middleware"
	"github.com/callsight/callsight/internal/services"
	"github.com/callsight/callsight/internal/sse"
	"github.com/callsight/callsight/internal/store"
)

const readTimeout = 30 * time.Second

type Server struct {
	cfg    config.AppConfig
	log    *slog.Logger
	router *chi.Mux
	server *http.Server
}

// Deps bundles everything the API serves from.
type Deps struct {
	Store       *store.Store
	Hub         *sse.Hub
	Ingest      *services.IngestService
	Intents     *services.IntentService
	Disposition *services.DispositionService
	DBPing      func(context.Context) error
	BusPing     func(context.Context) error
	Stats       func() map[string]any
}

func NewServer(cfg config.AppConfig, deps Deps, log *slog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log.With("component", "api"),
	}

	transcripts := handlers.NewTranscriptHandler(deps.Ingest, deps.Intents, deps.Store)
	calls := handlers.NewCallHandler(deps.Disposition)
	events := handlers.NewEventsHandler(deps.Hub)
	health := handlers.NewHealthHandler(handlers.HealthHandlerConfig{
		DBPing:  deps.DBPing,
		BusPing: deps.BusPing,
		Stats:   deps.Stats,
	})

	router := chi.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logger)
	router.Use(middleware.Metrics)
	router.Use(middleware.CORS(cfg.CORSOrigins))

	router.Route("/api", func(r chi.Router) {
		r.Post("/calls/ingest-transcript", transcripts.Ingest)
		r.Post("/calls/end", calls.End)
		r.Post("/calls/{callId}/dispose", calls.Dispose)
		r.Post("/transcripts/receive", transcripts.Receive)
		r.Get("/transcripts/latest", transcripts.Latest)
		r.Get("/events/stream", events.Stream)
		r.Get("/health", health.Basic)
	})
	router.Get("/health", health.Basic)
	router.Get("/health/detailed", health.Detailed)
	router.Handle("/metrics", promhttp.Handler())

	s.router = router
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// SSE connections outlive any write timeout.
		WriteTimeout: 0,
	}
	s.log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
