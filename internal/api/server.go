// Package api exposes the REST surface: auth, projects, executions,
// agent configs, queue introspection, health probes, and the
// websocket endpoints.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xteam/backend/internal/auth"
	"github.com/xteam/backend/internal/config"
	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/metrics"
	"github.com/xteam/backend/internal/middleware"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/store"
	"github.com/xteam/backend/internal/workspace"
	"github.com/xteam/backend/internal/ws"
)

const probeTimeout = 2 * time.Second

// Server wires the HTTP surface over the core components.
type Server struct {
	cfg       *config.Config
	store     store.Store
	authority *auth.Authority
	blacklist *auth.Blacklist
	queue     *queue.Queue
	bus       *events.Bus
	files     *workspace.Manager
	gateway   *ws.Gateway
	limiter   *middleware.RateLimiter
	metrics   *metrics.Metrics

	httpSrv *http.Server
}

// NewServer wires the HTTP surface. The limiter is shared with the
// websocket gateway so HTTP traffic and streaming admission draw from
// one budget.
func NewServer(cfg *config.Config, st store.Store, authority *auth.Authority, blacklist *auth.Blacklist,
	q *queue.Queue, bus *events.Bus, files *workspace.Manager, gateway *ws.Gateway,
	limiter *middleware.RateLimiter, m *metrics.Metrics) *Server {
	if limiter == nil {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute)
	}
	s := &Server{
		cfg:       cfg,
		store:     st,
		authority: authority,
		blacklist: blacklist,
		queue:     q,
		bus:       bus,
		files:     files,
		gateway:   gateway,
		limiter:   limiter,
		metrics:   m,
	}
	s.httpSrv = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	return s
}

// Routes builds the router with the full middleware chain.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(s.corsMiddleware)
	r.Use(s.limiter.Middleware)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")

	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.Bearer(s.authority))
	authed.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	authed.HandleFunc("/auth/logout_all", s.handleLogoutAll).Methods("POST")
	authed.HandleFunc("/auth/me", s.handleMe).Methods("GET")

	authed.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	authed.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	authed.HandleFunc("/projects/{id}", s.handleGetProject).Methods("GET")
	authed.HandleFunc("/projects/{id}/execute", s.handleExecute).Methods("POST")
	authed.HandleFunc("/projects/{id}/executions", s.handleListExecutions).Methods("GET")

	authed.HandleFunc("/agent-configs", s.handleCreateAgentConfig).Methods("POST")
	authed.HandleFunc("/agent-configs", s.handleListAgentConfigs).Methods("GET")

	authed.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")

	// Streaming endpoints authenticate on handshake via query token.
	r.HandleFunc("/ws", s.gateway.HandleGlobal)
	r.HandleFunc("/ws/projects/{id}", s.gateway.HandleProject)
	r.HandleFunc("/ws/executions/{id}", s.gateway.HandleExecution)

	return r
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Server.Env)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and stops admission.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RequestDuration.
			WithLabelValues(r.Method, fmt.Sprintf("%dxx", rec.status/100)).
			Observe(time.Since(start).Seconds())
		if rec.status == http.StatusTooManyRequests {
			s.metrics.RateLimited.Inc()
		}
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

// Hijack lets websocket upgrades pass through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// ============================================================================
// PROBES
// ============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleReadyz answers 200 only when the store, the token blacklist,
// and the queue backend all respond within the probe timeout.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	failed := map[string]string{}
	if err := s.store.Ping(ctx); err != nil {
		failed["store"] = err.Error()
	}
	if err := s.blacklist.Ping(ctx); err != nil {
		failed["blacklist"] = err.Error()
	}
	if err := s.queue.Ping(ctx); err != nil {
		failed["queue"] = err.Error()
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]interface{}{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := core.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]interface{}{"detail": err.Error()})
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return core.NewValidationError("body", "invalid JSON body")
	}
	return nil
}
