// Package api is the HTTP surface: provider webhook receivers, sink event
// callbacks, the open/click/unsubscribe tracking endpoint and the
// operational endpoints (health, Prometheus metrics).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/webmaster-cyber/sendmailzw/internal/events"
	"github.com/webmaster-cyber/sendmailzw/internal/metrics"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// Config is the HTTP server configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	// DataBucket holds persisted campaign bodies served by the
	// view-in-browser endpoint.
	DataBucket string `toml:"data_bucket"`
}

// DefaultConfig returns the HTTP server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		DataBucket: "sendmail-data",
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	store   store.Store
	objects objstore.Store
	ingest  *events.Ingestor
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer creates a Server. It does not start listening.
func NewServer(cfg Config, st store.Store, objects objstore.Store, ingest *events.Ingestor) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		objects: objects,
		ingest:  ingest,
		logger:  slog.Default().With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/webhooks/transactional", s.handleTransactionalWebhook).Methods("POST")
	r.HandleFunc("/webhooks/bulkapi", s.handleBulkWebhook).Methods("POST")
	r.HandleFunc("/events/{cid}/{sinkid}", s.handleSinkEvents).Methods("POST")

	// /l is the short public alias baked into tracked mail.
	r.HandleFunc("/track", s.handleTrack).Methods("GET", "POST")
	r.HandleFunc("/l", s.handleTrack).Methods("GET", "POST")

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("api server listening", "addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests logs every request with its status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
