// Package metrics exposes Prometheus collectors for the poll engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jumbonet"

// Recorder groups the engine's collectors. A nil *Recorder is valid and
// records nothing
type Recorder struct {
	registry       *prometheus.Registry
	started        *prometheus.CounterVec
	exited         *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	readErrors     *prometheus.CounterVec
	ticks          prometheus.Counter
	tickDuration   prometheus.Histogram
}

// New creates a Recorder backed by its own registry
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_started_total",
			Help:      "Remote processes started, by remote.",
		}, []string{"remote"}),
		exited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_exited_total",
			Help:      "Remote processes observed as terminal, by remote.",
		}, []string{"remote"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Observer callbacks that failed, by remote and event.",
		}, []string{"remote", "event"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Channel read failures, by remote.",
		}, []string{"remote"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Completed poll loop iterations.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_tick_duration_seconds",
			Help:      "Time spent draining all remotes in one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	r.registry.MustRegister(r.started, r.exited, r.deliveryErrors, r.readErrors, r.ticks, r.tickDuration)
	return r
}

// Registry returns the registry holding the collectors
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RegisterMetrics registers the metrics handler in the provided mux
func (r *Recorder) RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", r.Handler())
}

func (r *Recorder) ProcessStarted(remote string) {
	if r == nil {
		return
	}
	r.started.WithLabelValues(remote).Inc()
}

func (r *Recorder) ProcessExited(remote string) {
	if r == nil {
		return
	}
	r.exited.WithLabelValues(remote).Inc()
}

func (r *Recorder) DeliveryError(remote, event string) {
	if r == nil {
		return
	}
	r.deliveryErrors.WithLabelValues(remote, event).Inc()
}

func (r *Recorder) ReadError(remote string) {
	if r == nil {
		return
	}
	r.readErrors.WithLabelValues(remote).Inc()
}

// Tick records one poll loop iteration that took d
func (r *Recorder) Tick(d time.Duration) {
	if r == nil {
		return
	}
	r.ticks.Inc()
	r.tickDuration.Observe(d.Seconds())
}
