package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/version"

	"dyntools/internal/buildinfo"
	"dyntools/internal/domain"
)

type PrometheusMetrics struct {
	invocationDuration *prometheus.HistogramVec
	provisions         *prometheus.CounterVec
	provisionDuration  prometheus.Histogram
	evictions          prometheus.Counter
	activeEnvironments prometheus.Gauge
	scanDuration       prometheus.Histogram
	scanChanges        prometheus.Counter
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	version.Version = buildinfo.Version
	version.Revision = buildinfo.Commit
	registerer.MustRegister(versioncollector.NewCollector("dyntools"))

	return &PrometheusMetrics{
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dyntools_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool", "status"},
		),
		provisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyntools_environment_provisions_total",
				Help: "Total number of environment provisioning attempts",
			},
			[]string{"status"},
		),
		provisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dyntools_environment_provision_duration_seconds",
				Help:    "Duration of environment provisioning in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dyntools_environment_evictions_total",
				Help: "Total number of environments evicted",
			},
		),
		activeEnvironments: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dyntools_active_environments",
				Help: "Current number of ready environments",
			},
		),
		scanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dyntools_scan_duration_seconds",
				Help:    "Duration of tool directory scans in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		scanChanges: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dyntools_scan_changes_total",
				Help: "Total number of artifact changes detected by scans",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveInvocation(tool string, status domain.InvocationStatus, duration time.Duration) {
	p.invocationDuration.WithLabelValues(tool, string(status)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveProvision(_ string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.provisions.WithLabelValues(status).Inc()
	p.provisionDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveEviction(_ string) {
	p.evictions.Inc()
}

func (p *PrometheusMetrics) SetActiveEnvironments(count int) {
	p.activeEnvironments.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveScan(duration time.Duration, changed int) {
	p.scanDuration.Observe(duration.Seconds())
	p.scanChanges.Add(float64(changed))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
