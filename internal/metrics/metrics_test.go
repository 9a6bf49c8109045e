package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	if m.InstallsTotal == nil {
		t.Error("InstallsTotal is nil")
	}
	if m.AcquisitionErrors == nil {
		t.Error("AcquisitionErrors is nil")
	}
	if m.PluginsEnabled == nil {
		t.Error("PluginsEnabled is nil")
	}
	if m.RenderFailures == nil {
		t.Error("RenderFailures is nil")
	}
	if m.FeedRefreshesTotal == nil {
		t.Error("FeedRefreshesTotal is nil")
	}
	if m.EventClientsActive == nil {
		t.Error("EventClientsActive is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record some sample metrics so they appear in output
	m.InstallsTotal.WithLabelValues("url", "success").Inc()
	m.InstallDuration.WithLabelValues("url").Observe(0.5)
	m.AcquisitionErrors.WithLabelValues("registry").Inc()
	m.RenderFailures.WithLabelValues("foo").Inc()
	m.RenderDuration.WithLabelValues("widget").Observe(0.01)
	m.TogglesTotal.WithLabelValues("disabled").Inc()

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"plugin_installs_total",
		"plugin_install_duration_seconds",
		"plugin_acquisition_errors_total",
		"plugin_render_failures_total",
		"plugin_render_duration_seconds",
		"plugin_toggles_total",
		"plugins_installed",
		"plugins_enabled",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestGauges(t *testing.T) {
	m := NewMetrics()

	m.PluginsInstalled.Set(4)
	m.PluginsEnabled.Set(3)

	metricFamilies, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range metricFamilies {
		if len(mf.Metric) > 0 && mf.Metric[0].Gauge != nil {
			values[*mf.Name] = *mf.Metric[0].Gauge.Value
		}
	}

	if values["plugins_installed"] != 4 {
		t.Errorf("Expected plugins_installed 4, got %f", values["plugins_installed"])
	}
	if values["plugins_enabled"] != 3 {
		t.Errorf("Expected plugins_enabled 3, got %f", values["plugins_enabled"])
	}
}

func TestMetricsIsolation(t *testing.T) {
	// Separate instances must not share a registry
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.UninstallsTotal.Inc()
	m1.UninstallsTotal.Inc()
	m2.UninstallsTotal.Inc()

	count := func(m *Metrics) float64 {
		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "plugin_uninstalls_total" && len(mf.Metric) > 0 {
				return *mf.Metric[0].Counter.Value
			}
		}
		return -1
	}

	if got := count(m1); got != 2 {
		t.Errorf("m1: Expected value 2, got %f", got)
	}
	if got := count(m2); got != 1 {
		t.Errorf("m2: Expected value 1, got %f", got)
	}
}
