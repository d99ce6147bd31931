package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignatij/execflow/internal/config"
	"github.com/ignatij/execflow/internal/log"
	"github.com/ignatij/execflow/internal/metrics"
	"github.com/ignatij/execflow/internal/runner"
	"github.com/ignatij/execflow/internal/service"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Metrics counts executions relayed by the log service.
type Metrics interface {
	SessionStarted(mode models.ExecutionMode)
	SessionFinished(status models.ExecutionStatus, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(models.ExecutionMode)                   {}
func (noopMetrics) SessionFinished(models.ExecutionStatus, time.Duration) {}

// Server is the log service: it runs executions over the stream endpoint and
// serves their history.
type Server struct {
	records *service.RecordService
	runner  runner.Runner
	metrics Metrics

	// Runs outlive their websocket and stop only when the server shuts down.
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

func NewServer(store storage.Recorder, r runner.Runner, logLimit int, m Metrics) *Server {
	if m == nil {
		m = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		records: service.NewRecordService(store, logLimit),
		runner:  r,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Shutdown interrupts running executions and waits for them to be recorded.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewRouter mounts the log service routes. A non-nil registry is exposed on /metrics.
func (s *Server) NewRouter(streamPath, historyPath string, registry *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)

	r.Get("/health", healthHandler)
	r.Get(streamPath, s.handleExecutionStream)
	r.Route(historyPath, func(r chi.Router) {
		r.Get("/", s.handleExecutionList)
		r.Get("/logs", s.handleExecutionLogs)
	})
	if registry != nil {
		r.Handle("/metrics", metrics.Handler(registry))
	}
	return r
}

// StartServer serves the log service until ctx is cancelled.
func StartServer(ctx context.Context, cfg *config.Config, store storage.Recorder, r runner.Runner) error {
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return err
	}
	s := NewServer(store, r, cfg.LogLimit, recorder)

	routerRegistry := registry
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		routerRegistry = nil
		if metricsSrv, err = metrics.StartPrometheusServer(cfg.MetricsAddr, registry); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.NewRouter(cfg.StreamPath, cfg.HistoryPath, routerRegistry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting execflow log service on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.GetLogger().Info("Shutting down execflow log service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		if runErr := s.Shutdown(shutdownCtx); runErr != nil {
			log.GetLogger().Errorf("Executions still running at shutdown: %v", runErr)
		}
	}
	if metricsSrv != nil {
		if stopErr := metrics.StopServer(context.Background(), metricsSrv); stopErr != nil {
			log.GetLogger().Errorf("Failed to stop metrics server: %v", stopErr)
		}
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
