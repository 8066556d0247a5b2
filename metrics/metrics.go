// Package metrics exports registration counters in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric.
const Namespace = "fleet_provisioning"

// Recorder counts registration outcomes. A nil *Recorder records nothing.
type Recorder struct {
	registry       *prometheus.Registry
	sessionsOpened prometheus.Counter
	registrations  *prometheus.CounterVec
	rejections     *prometheus.CounterVec
}

func NewRecorder(namespace string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Registration sessions opened with a valid claim credential.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Devices registered, by provisioning template.",
		}, []string{"template"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected requests, by error code.",
		}, []string{"code"}),
	}

	r.registry.MustRegister(
		r.sessionsOpened,
		r.registrations,
		r.rejections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsOpened.Inc()
}

func (r *Recorder) Registered(template string) {
	if r == nil {
		return
	}
	r.registrations.WithLabelValues(template).Inc()
}

func (r *Recorder) Rejected(code string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(code).Inc()
}

// Handler serves the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	srv *http.Server
}

func New(recorder *Recorder, addr string) *MetricsServer {
	mux := chi.NewRouter()
	mux.Handle("/metrics", recorder.Handler())
	return &MetricsServer{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
