package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder reports execution session metrics using Prometheus primitives.
type PrometheusRecorder struct {
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	dropped   *prometheus.CounterVec
}

func NewPrometheusRecorder(registry *prometheus.Registry) (*PrometheusRecorder, error) {
	if registry == nil {
		return nil, errors.New("prometheus registry is nil")
	}

	r := &PrometheusRecorder{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execflow_sessions_started_total",
			Help: "Total number of execution sessions started by mode",
		}, []string{"mode"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execflow_sessions_finished_total",
			Help: "Total number of execution sessions that reached a terminal status",
		}, []string{"status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execflow_session_duration_seconds",
			Help:    "Execution session duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execflow_frames_dropped_total",
			Help: "Total number of stream frames dropped by reason",
		}, []string{"reason"}),
	}

	for _, collector := range []prometheus.Collector{r.started, r.finished, r.durations, r.dropped} {
		if err := registry.Register(collector); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) SessionStarted(mode models.ExecutionMode) {
	r.started.WithLabelValues(string(mode)).Inc()
}

func (r *PrometheusRecorder) SessionFinished(status models.ExecutionStatus, duration time.Duration) {
	r.finished.WithLabelValues(string(status)).Inc()
	r.durations.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) FrameDropped(reason string) {
	r.dropped.WithLabelValues(reason).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartPrometheusServer serves /metrics on its own listener.
func StartPrometheusServer(addr string, registry *prometheus.Registry) (*http.Server, error) {
	if addr == "" {
		addr = ":2112"
	}
	if registry == nil {
		return nil, errors.New("prometheus registry is nil")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen metrics endpoint %q", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(registry))
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

func StopServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
