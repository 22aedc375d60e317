package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GPTx-global/executor/executor/log"
)

// Server is the ops endpoint: /healthz and /metrics.
type Server struct {
	checker *HealthChecker
	srv     *http.Server
	done    chan struct{}
	serving atomic.Bool
}

type checkReport struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

type healthReport struct {
	Healthy bool                   `json:"healthy"`
	Checks  map[string]checkReport `json:"checks"`
}

func NewServer(addr string, checker *HealthChecker) *Server {
	s := &Server{checker: checker, done: make(chan struct{})}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	log.Infof("ops server listening on %s", ln.Addr())
	s.serving.Store(true)

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("ops server failed: %v", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if !s.serving.Load() {
		return err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
	}

	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Healthy: s.checker.IsHealthy(),
		Checks:  make(map[string]checkReport),
	}
	for name, status := range s.checker.GetStatus() {
		cr := checkReport{Healthy: status.Healthy, LastCheck: status.LastCheck}
		if status.LastError != nil {
			cr.Error = status.LastError.Error()
		}
		report.Checks[name] = cr
	}

	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Errorf("failed to encode health report: %v", err)
	}
}
