// Package ui provides a built-in operator dashboard for a tasksync client.
package ui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erennakbas/tasksync"
	"github.com/erennakbas/tasksync/types"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Server serves the web UI dashboard.
type Server struct {
	client      *tasksync.Client
	logger      types.Logger
	tmpl        *template.Template
	hub         *hub
	upgrader    websocket.Upgrader
	unsubscribe func()
	handler     http.Handler
	server      *http.Server
}

// Config configures the UI server.
type Config struct {
	Addr   string
	Client *tasksync.Client
	// Gatherer enables GET /metrics when set.
	Gatherer prometheus.Gatherer
	// AllowedOrigin restricts websocket upgrades; empty allows any origin.
	AllowedOrigin string
	Logger        types.Logger
}

// NewServer creates a new UI server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Client == nil {
		return nil, errors.New("ui: client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = types.DefaultLogger()
	}

	funcMap := template.FuncMap{
		"formatTime": formatTime,
		"stateClass": stateClass,
		"truncate":   truncate,
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		client: cfg.Client,
		logger: cfg.Logger,
		tmpl:   tmpl,
		hub:    newHub(cfg.Logger),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}
	s.unsubscribe = cfg.Client.Subscribe(s.hub.publish)

	mux := http.NewServeMux()

	// Pages
	mux.HandleFunc("GET /{$}", s.handleDashboard)

	// API endpoints
	mux.HandleFunc("GET /api/tasks", s.handleAPITasks)
	mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	mux.HandleFunc("GET /api/tasks/{id}/conflict", s.handleAPIConflict)

	// Actions
	mux.HandleFunc("POST /tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("POST /tasks/{id}/evict", s.handleEvictTask)
	mux.HandleFunc("POST /tasks/{id}/resolve", s.handleResolveTask)

	// Live feed
	mux.HandleFunc("GET /ws", s.handleWS)

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = mux
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the routes of the dashboard.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the UI server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("starting UI server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and disconnects live feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.hub.close()
	return s.server.Shutdown(ctx)
}

// Helper functions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func stateClass(state types.SyncState) string {
	switch state {
	case types.SyncStateSynced:
		return "state-synced"
	case types.SyncStatePending:
		return "state-pending"
	case types.SyncStateFailed:
		return "state-failed"
	default:
		return "state-unknown"
	}
}

func truncate(s string, length int) string {
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}
	return string(runes[:length]) + "..."
}

// Page handlers

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Tasks": s.client.ListTasks(),
		"Stats": s.client.Stats(),
	}
	s.render(w, "dashboard.html", data)
}

// API handlers

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.client.ListTasks()
	s.json(w, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	s.json(w, s.client.Stats())
}

func (s *Server) handleAPIConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conflict, ok := s.client.Conflict(id)
	if !ok {
		s.jsonError(w, "no conflict for task "+id, http.StatusNotFound)
		return
	}

	s.json(w, map[string]interface{}{
		"op":             conflict.Op,
		"local":          conflict.Local,
		"patch":          conflict.Patch,
		"remote":         conflict.Remote,
		"remote_missing": conflict.RemoteMissing,
		"error":          conflict.Error(),
	})
}

// Action handlers

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.client.Retry(r.PathValue("id"))
	if err != nil {
		s.actionError(w, err)
		return
	}
	s.json(w, task)
}

func (s *Server) handleEvictTask(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Evict(r.PathValue("id")); err != nil {
		s.actionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveTask(w http.ResponseWriter, r *http.Request) {
	var resolution tasksync.Resolution
	switch r.URL.Query().Get("keep") {
	case "remote":
		resolution = tasksync.KeepRemote
	case "local":
		resolution = tasksync.KeepLocal
	default:
		s.jsonError(w, "keep must be remote or local", http.StatusBadRequest)
		return
	}

	task, err := s.client.ResolveConflict(r.PathValue("id"), resolution)
	if err != nil {
		s.actionError(w, err)
		return
	}
	s.json(w, task)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.serve(conn, s.client.ListTasks)
}

// Helpers

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.logger.WithField("template", name).WithError(err).Error("template error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) json(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) actionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasksync.ErrNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tasksync.ErrValidation):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tasksync.ErrClosed):
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.WithError(err).Error("dashboard action failed")
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
