// Package admin exposes the supervisor's state over a small loopback HTTP API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/forkpool/internal/metrics"
	"github.com/psantana5/forkpool/internal/observe"
	"github.com/psantana5/forkpool/internal/registry"
	"github.com/psantana5/forkpool/internal/report"
	"github.com/psantana5/forkpool/internal/supervisor"
	"github.com/psantana5/forkpool/pkg/auth"
	"github.com/psantana5/forkpool/pkg/logging"
)

// Source is the read-only view of the pool the endpoints render.
type Source interface {
	Status() supervisor.Status
	Health() supervisor.HealthStatus
	HealthReport() map[string]interface{}
	Crashes() *report.CrashLog
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	supervisor.Status
	Usage map[int]observe.Usage `json:"usage,omitempty"`
}

// Server serves /metrics, /status, /healthz and /crashes.
type Server struct {
	source  Source
	metrics *metrics.Collector
	watcher *observe.Watcher
	logger  *logging.Logger
	token   string

	srv *http.Server
	ln  net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires a bearer token on every route except /healthz.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New builds the admin server. collector and watcher may be nil.
func New(source Source, collector *metrics.Collector, watcher *observe.Watcher, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		source:  source,
		metrics: collector,
		watcher: watcher,
		logger:  logger.WithComponent("admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(auth.Middleware(s.token, "/healthz"))
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/crashes", s.handleCrashes).Methods("GET")
	return r
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", logging.Fields{"error": err.Error()})
		}
	}()
	s.logger.Info("admin endpoint listening", logging.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	resp := StatusResponse{Status: st}

	if s.watcher != nil && r.URL.Query().Get("usage") != "false" {
		pids := make([]int, 0, len(st.Workers))
		for _, rec := range st.Workers {
			if rec.State != registry.StateDead {
				pids = append(pids, rec.PID)
			}
		}
		resp.Usage = s.watcher.SampleAll(r.Context(), pids)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if s.source.Health() == supervisor.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.source.HealthReport())
}

func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	n := report.DefaultCrashLogSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	crashes := s.source.Crashes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   crashes.Total(),
		"crashes": crashes.Recent(n),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
