// Package gateway exposes the agent over HTTP and WebSocket. It serves the
// session CRUD API, blocking and streaming chat, a health endpoint that
// reports backend connectivity, a safe configuration subset, Prometheus
// metrics, and the static chat UI.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yejunhao159/comfyui-agent/internal/config"
	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/observability"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

// SessionStore is the session persistence surface the gateway needs.
type SessionStore interface {
	Create(title string) (string, error)
	Get(id string) (*models.Session, error)
	List() ([]*models.Session, error)
	Delete(id string) error
	Messages(sessionID string) ([]models.Message, error)
}

// AgentRunner runs one conversation turn and supports cancellation.
type AgentRunner interface {
	Run(ctx context.Context, sessionID, userInput string) (string, error)
	Cancel(sessionID string)
}

// Backend is the slice of the ComfyUI client used for health reporting.
type Backend interface {
	SystemStats(ctx context.Context) (map[string]any, error)
	BaseURL() string
}

// NodeCatalog reports node index build status for the health endpoint.
type NodeCatalog interface {
	IsBuilt() bool
	NodeCount() int
	Categories() []string
}

// Server is the HTTP/WebSocket gateway.
type Server struct {
	cfg     *config.Config
	store   SessionStore
	agent   AgentRunner
	backend Backend
	catalog NodeCatalog
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server

	mu sync.RWMutex // guards the mutable config subset
}

// NewServer wires the gateway. metrics may be nil when the caller does not
// export Prometheus.
func NewServer(cfg *config.Config, store SessionStore, agent AgentRunner,
	backend Backend, catalog NodeCatalog, bus *events.Bus,
	metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		agent:   agent,
		backend: backend,
		catalog: catalog,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{session_id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{session_id}/messages", s.handleSessionMessages)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.Handle("GET /metrics", promhttp.Handler())

	if dir := s.cfg.Server.StaticDir; dir != "" {
		if _, err := os.Stat(filepath.Join(dir, "index.html")); err == nil {
			mux.Handle("GET /", http.FileServer(http.Dir(dir)))
		}
	}

	return s.withCORS(s.withMetrics(mux))
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown error", "err", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withCORS allows the configured origins to call the API from a browser.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.Server.CORSOrigins))
	allowAll := false
	for _, origin := range s.cfg.Server.CORSOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
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

func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades hijack the connection, skip the recorder
		if r.URL.Path == "/api/chat/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path,
			strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
