// Package health serves the task trigger endpoints, run status and metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/cursor"
	"github.com/earn12345678/data-engineering-project/internal/metrics"
	"github.com/earn12345678/data-engineering-project/internal/pipeline"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Runner runs pipeline tasks.
type Runner interface {
	RunIngest(ctx context.Context) pipeline.Report
	RunLoad(ctx context.Context) pipeline.Report
}

// Server exposes the pipeline over HTTP. At most one run per task is in
// flight; a second trigger gets 409 Conflict.
type Server struct {
	runner      Runner
	store       cursor.Store
	metrics     *metrics.Collector
	logger      *zap.Logger
	taskTimeout time.Duration
	started     time.Time
	router      *mux.Router

	mu      sync.Mutex
	running map[pipeline.Task]bool
	last    map[pipeline.Task]pipeline.Report
}

// NewServer creates a Server. taskTimeout bounds each triggered run.
func NewServer(runner Runner, store cursor.Store, m *metrics.Collector, logger *zap.Logger, taskTimeout time.Duration) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewCollector()
	}
	s := &Server{
		runner:      runner,
		store:       store,
		metrics:     m,
		logger:      logger,
		taskTimeout: taskTimeout,
		started:     time.Now(),
		running:     make(map[pipeline.Task]bool),
		last:        make(map[pipeline.Task]pipeline.Report),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/tasks/{task}", s.handleTrigger).Methods(http.MethodPost)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully, waiting for in-flight runs up to the task timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()
	s.logger.Info("shutting down health server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down health server: %w", err)
	}
	return nil
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

// StatusResponse is the /v1/status body.
type StatusResponse struct {
	Running     []pipeline.Task                   `json:"running"`
	LastReports map[pipeline.Task]pipeline.Report `json:"last_reports"`
	Cursor      *record.Cursor                    `json:"cursor,omitempty"`
	CursorError string                            `json:"cursor_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Running:     []pipeline.Task{},
		LastReports: make(map[pipeline.Task]pipeline.Report),
	}

	s.mu.Lock()
	for _, task := range []pipeline.Task{pipeline.TaskIngest, pipeline.TaskLoad} {
		if s.running[task] {
			resp.Running = append(resp.Running, task)
		}
		if rep, ok := s.last[task]; ok {
			resp.LastReports[task] = rep
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		cur, err := s.store.Load(r.Context())
		if err != nil {
			resp.CursorError = err.Error()
		} else if !cur.IsZero() {
			resp.Cursor = &cur
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	task := pipeline.Task(mux.Vars(r)["task"])

	var run func(context.Context) pipeline.Report
	switch task {
	case pipeline.TaskIngest:
		run = s.runner.RunIngest
	case pipeline.TaskLoad:
		run = s.runner.RunLoad
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown task %q", task)})
		return
	}

	if !s.acquire(task) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("%s is already running", task)})
		return
	}
	defer s.releaseTask(task)

	// A disconnecting client does not abort the run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.taskTimeout)
	defer cancel()

	s.logger.Info("task triggered", zap.String("task", string(task)), zap.String("remote", r.RemoteAddr))
	report := run(ctx)

	s.mu.Lock()
	s.last[task] = report
	s.mu.Unlock()

	writeJSON(w, StatusCode(report.Outcome), report)
}

// StatusCode maps a run outcome to the trigger response status.
func StatusCode(o pipeline.Outcome) int {
	switch o {
	case pipeline.OutcomeSuccess:
		return http.StatusOK
	case pipeline.OutcomeFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) acquire(task pipeline.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[task] {
		return false
	}
	s.running[task] = true
	return true
}

func (s *Server) releaseTask(task pipeline.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, task)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
