package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"orchd/internal/domain"
)

type PrometheusMetrics struct {
	routeDuration      *prometheus.HistogramVec
	sweepRemoved       prometheus.Counter
	registrySize       *prometheus.GaugeVec
	poolAcquires       *prometheus.CounterVec
	poolAcquireLatency prometheus.Histogram
	sandboxRuns        *prometheus.CounterVec
	sandboxDuration    *prometheus.HistogramVec
	plannerDuration    *prometheus.HistogramVec
	fallbackCandidates prometheus.Histogram
	fallbackDuration   prometheus.Histogram
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		routeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchd_route_duration_seconds",
				Help:    "Duration of route requests in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"state", "status"},
		),
		sweepRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orchd_sweep_removed_total",
				Help: "Total number of expired dynamic tools removed by the sweeper",
			},
		),
		registrySize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchd_registry_size",
				Help: "Current number of registered tools by kind",
			},
			[]string{"kind"},
		),
		poolAcquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchd_pool_acquires_total",
				Help: "Total number of sandbox pool acquire attempts",
			},
			[]string{"outcome"},
		),
		poolAcquireLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchd_pool_acquire_seconds",
				Help:    "Latency of sandbox pool acquires in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
		),
		sandboxRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchd_sandbox_runs_total",
				Help: "Total number of sandbox script executions",
			},
			[]string{"status"},
		),
		sandboxDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchd_sandbox_run_seconds",
				Help:    "Duration of sandbox script executions in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"status"},
		),
		plannerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchd_planner_call_seconds",
				Help:    "Latency of planner model calls in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"op", "status"},
		),
		fallbackCandidates: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchd_fallback_candidates",
				Help:    "Number of candidates returned by vector fallback searches",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 12},
			},
		),
		fallbackDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchd_fallback_search_seconds",
				Help:    "Duration of vector fallback searches in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveRoute(state domain.RouteState, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.routeDuration.WithLabelValues(string(state), status).Observe(d.Seconds())
}

func (p *PrometheusMetrics) ObserveSweep(removed int) {
	p.sweepRemoved.Add(float64(removed))
}

func (p *PrometheusMetrics) SetRegistrySize(kind domain.ToolKind, n int) {
	p.registrySize.WithLabelValues(string(kind)).Set(float64(n))
}

func (p *PrometheusMetrics) ObservePoolAcquire(outcome string, d time.Duration) {
	p.poolAcquires.WithLabelValues(outcome).Inc()
	p.poolAcquireLatency.Observe(d.Seconds())
}

func (p *PrometheusMetrics) ObserveSandboxRun(status string, d time.Duration) {
	p.sandboxRuns.WithLabelValues(status).Inc()
	p.sandboxDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *PrometheusMetrics) ObservePlannerCall(op string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.plannerDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

func (p *PrometheusMetrics) ObserveFallback(candidates int, d time.Duration) {
	p.fallbackCandidates.Observe(float64(candidates))
	p.fallbackDuration.Observe(d.Seconds())
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
