// Package server exposes the streaming WebSocket endpoint and the REST
// surface over net/http.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/echo-stt/internal/capability"
	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/loqalabs/echo-stt/internal/eventstore"
	"github.com/loqalabs/echo-stt/internal/session"
)

// Options wires the server to the rest of the runtime.
type Options struct {
	Config   config.Config
	Version  string
	Sessions *session.Manager
	Store    *eventstore.Store
	// Nodes is nil when the bus is disabled.
	Nodes *capability.Registry
	// Ready reports whether every dependency is up; nil means always ready.
	Ready  func() bool
	Logger *slog.Logger
}

type Server struct {
	cfg      config.Config
	version  string
	sessions *session.Manager
	store    *eventstore.Store
	nodes    *capability.Registry
	ready    func() bool
	log      *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
}

func New(opts Options) *Server {
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		cfg:      opts.Config,
		version:  opts.Version,
		sessions: opts.Sessions,
		store:    opts.Store,
		nodes:    opts.Nodes,
		ready:    ready,
		log:      opts.Logger.With(slog.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
		streams: make(map[*websocket.Conn]struct{}),
	}
}

// CloseStreams drops every open streaming connection. http.Server.Shutdown
// does not track hijacked connections, so register this with RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.streams {
		_ = conn.Close()
	}
	clear(s.streams)
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.streams[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.streams, conn)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/transcribe", s.handleStream)
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscribeFile)
	mux.HandleFunc("POST /v1/audio/transcriptions/base64", s.handleTranscribeBase64)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /v1/nodes", s.handleNodes)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("HEAD /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleLive)
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   s.cfg.ServiceName,
		"version":   s.version,
		"sessions":  s.sessions.Count(),
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": s.cfg.ServiceName,
		"version": s.version,
		"endpoints": map[string]string{
			"stream":     "GET /ws/transcribe",
			"transcribe": "POST /v1/audio/transcriptions",
			"base64":     "POST /v1/audio/transcriptions/base64",
			"sessions":   "GET /v1/sessions",
			"events":     "GET /v1/sessions/{id}/events",
			"health":     "GET /health",
		},
		"model_sizes": config.ModelSizes,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if s.nodes != nil {
		nodes = append(nodes, s.nodes.Query(nil)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready() && s.sessions.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
