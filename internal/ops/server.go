// Package ops exposes the substrate's read-only operational surface: health
// and stats endpoints, the Prometheus metrics handler, and a websocket event
// stream fed by the core's observability sink.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/orchestrator"
)

// Server is the operations HTTP server. It never mutates core state.
type Server struct {
	core   *orchestrator.Core
	hub    *Hub
	router *mux.Router
	server *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface binds to loopback by default; same-host tooling connects
	// with arbitrary Origin headers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer builds the server around a core and the hub already fanned into
// its event stream.
func NewServer(cfg config.OpsConfig, core *orchestrator.Core, hub *Hub) *Server {
	s := &Server{
		core:   core,
		hub:    hub,
		router: mux.NewRouter(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	s.router.HandleFunc("/deadletters", s.handleDeadLetters).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.core.Registry(), promhttp.HandlerOpts{}))
	s.router.NotFoundHandler = http.HandlerFunc(handleNotFound)
}

// Handler returns the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and disconnects event-stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// handleHealth reports overall health derived from provider status: degraded
// when any provider is unhealthy, down when none can serve.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := s.core.Router().ProviderHealth()
	serving, impaired := 0, 0
	for _, p := range providers {
		switch p.Status {
		case "healthy", "degraded":
			serving++
			if p.Status == "degraded" {
				impaired++
			}
		default:
			impaired++
		}
	}

	status := "ok"
	code := http.StatusOK
	switch {
	case len(providers) > 0 && serving == 0:
		status = "down"
		code = http.StatusServiceUnavailable
	case impaired > 0:
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"providers": providers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Stats())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.core.Queue().Status(),
		"tasks":  s.core.Queue().Details(),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Bus().DeadLetters().Entries())
}

// handleEvents upgrades to a websocket and attaches the client to the hub.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("event stream upgrade failed")
		return
	}
	if !s.hub.attach(conn) {
		conn.Close()
	}
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

type ctxKey string

const requestIDKey ctxKey = "requestId"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("requestId", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("ops request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
