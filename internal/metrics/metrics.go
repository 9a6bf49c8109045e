package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Install lifecycle metrics
	InstallsTotal        *prometheus.CounterVec
	InstallDuration      *prometheus.HistogramVec
	AcquisitionErrors    *prometheus.CounterVec
	UninstallsTotal      prometheus.Counter
	TogglesTotal         *prometheus.CounterVec

	// Runtime metrics
	PluginsInstalled prometheus.Gauge
	PluginsEnabled   prometheus.Gauge
	RenderFailures   *prometheus.CounterVec
	RenderDuration   *prometheus.HistogramVec

	// Registry feed metrics
	FeedRefreshesTotal prometheus.Counter
	FeedRefreshErrors  prometheus.Counter

	// Gateway metrics
	EventClientsActive prometheus.Gauge
	EventsSentTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		InstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_installs_total",
				Help: "Total number of plugin install attempts",
			},
			[]string{"source", "status"},
		),
		InstallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_install_duration_seconds",
				Help:    "Duration of plugin installs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		AcquisitionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_acquisition_errors_total",
				Help: "Total number of package acquisition failures",
			},
			[]string{"source"},
		),
		UninstallsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugin_uninstalls_total",
				Help: "Total number of plugin uninstalls",
			},
		),
		TogglesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_toggles_total",
				Help: "Total number of plugin enable/disable transitions",
			},
			[]string{"to"},
		),

		PluginsInstalled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugins_installed",
				Help: "Number of installed plugins",
			},
		),
		PluginsEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugins_enabled",
				Help: "Number of enabled plugins",
			},
		),
		RenderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_render_failures_total",
				Help: "Total number of renderer errors and panics trapped at the boundary",
			},
			[]string{"plugin_id"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_render_duration_seconds",
				Help:    "Duration of extension renders in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		FeedRefreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_feed_refreshes_total",
				Help: "Total number of registry feed refreshes",
			},
		),
		FeedRefreshErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_feed_refresh_errors_total",
				Help: "Total number of registry feed refresh failures",
			},
		),

		EventClientsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_event_clients_active",
				Help: "Number of connected event stream clients",
			},
		),
		EventsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_events_sent_total",
				Help: "Total number of events pushed to stream clients",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.InstallsTotal)
	m.registry.MustRegister(m.InstallDuration)
	m.registry.MustRegister(m.AcquisitionErrors)
	m.registry.MustRegister(m.UninstallsTotal)
	m.registry.MustRegister(m.TogglesTotal)

	m.registry.MustRegister(m.PluginsInstalled)
	m.registry.MustRegister(m.PluginsEnabled)
	m.registry.MustRegister(m.RenderFailures)
	m.registry.MustRegister(m.RenderDuration)

	m.registry.MustRegister(m.FeedRefreshesTotal)
	m.registry.MustRegister(m.FeedRefreshErrors)

	m.registry.MustRegister(m.EventClientsActive)
	m.registry.MustRegister(m.EventsSentTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
