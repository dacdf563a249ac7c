// Package gateway accepts telephony WebSocket streams, normalizes carrier
// and native protocol frames into AudioFrames and publishes them to the
// audio_stream topic.
package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/httpapi/middleware"
)

const readTimeout = 30 * time.Second

type Server struct {
	cfg    config.GatewayConfig
	bus    bus.Bus
	log    *slog.Logger
	router *chi.Mux
	server *http.Server

	jwtKey   *rsa.PublicKey
	upgrader websocket.Upgrader

	// degraded flips when bus publishes fail; it never closes sockets.
	degraded    atomic.Bool
	connections atomic.Int64
}

func NewServer(cfg config.GatewayConfig, b bus.Bus, log *slog.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		bus: b,
		log: log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carriers connect without an Origin header; browsers never
			// speak the ingest protocols.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if cfg.JWTPublicKey != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
		if err != nil {
			return nil, fmt.Errorf("gateway: parse jwt public key: %w", err)
		}
		s.jwtKey = key
	} else if !cfg.SupportCarrier {
		return nil, fmt.Errorf("gateway: JWT public key required unless carrier mode is enabled")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logger)
	router.Use(middleware.Metrics)

	router.Get("/v1/ingest", s.handleWS)
	router.Get("/health", s.handleHealth)
	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())

	s.router = router
	return s, nil
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// Streaming connections outlive any write timeout.
		WriteTimeout: 0,
	}
	s.log.Info("gateway listening", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(s, ws, r.Header.Get("Authorization"))
	go c.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.degraded.Load() {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": s.connections.Load(),
	})
}
