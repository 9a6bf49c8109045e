package gateway

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/metrics"
	"github.com/lecternhq/lectern/pkg/plugin"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func testManager(t *testing.T) *plugin.Manager {
	t.Helper()
	dir := t.TempDir()

	store, err := plugin.OpenStore(filepath.Join(dir, "plugins.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pluginsDir := filepath.Join(dir, "plugins")
	return plugin.NewManager(
		plugin.ManagerConfig{PluginsDir: pluginsDir},
		store,
		plugin.NewExtensionRegistry(testLogger()),
		plugin.NewAcquirer(plugin.DefaultAcquirerConfig(), nil, testLogger()),
		plugin.NewValidator(testLogger()),
		plugin.ResolverChain{plugin.NewDirResolver(pluginsDir)},
		testLogger(),
	)
}

func testServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Port == 0 {
		cfg.Port = 8484
	}
	if cfg.Manager == nil {
		cfg.Manager = testManager(t)
	}
	cfg.Logger = testLogger()

	s, err := NewServer(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testArchive(t *testing.T, id string) []byte {
	t.Helper()
	manifest := fmt.Sprintf(`{
		"id": %q, "name": "Plugin %s", "version": "1.0.0",
		"extensionPoints": [
			{"kind": "widget", "optionsId": "%s-widget", "label": "Widget", "entry": "widget.html"}
		]
	}`, id, id, id)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		plugin.ManifestFileName: manifest,
		"widget.html":           "<div></div>",
	} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func installArchive(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/plugins/install/archive", "application/zip",
		bytes.NewReader(testArchive(t, id)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerInstallAndList(t *testing.T) {
	srv := testServer(t, Config{})

	installArchive(t, srv, "foo")

	resp, err := http.Get(srv.URL + "/api/plugins")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plugins []pluginView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plugins))
	require.Len(t, plugins, 1)
	assert.Equal(t, "foo", plugins[0].Manifest.ID)
	assert.True(t, plugins[0].Enabled)
}

func TestServerInstallValidationFailure(t *testing.T) {
	srv := testServer(t, Config{})

	resp, err := http.Post(srv.URL+"/api/plugins/install/archive", "application/zip",
		strings.NewReader("not a zip"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var result plugin.InstallResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Errors)
}

func TestServerExtensions(t *testing.T) {
	srv := testServer(t, Config{})
	installArchive(t, srv, "foo")

	resp, err := http.Get(srv.URL + "/api/extensions/widgets")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var widgets []contributionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&widgets))
	require.Len(t, widgets, 1)
	assert.Equal(t, "foo", widgets[0].PluginID)
	assert.Equal(t, "foo-widget", widgets[0].OptionsID)

	// Other surfaces are empty
	resp, err = http.Get(srv.URL + "/api/extensions/sidebar")
	require.NoError(t, err)
	defer resp.Body.Close()

	var sidebar []contributionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sidebar))
	assert.Empty(t, sidebar)
}

func TestServerToggleAndUninstall(t *testing.T) {
	manager := testManager(t)
	srv := testServer(t, Config{Manager: manager})
	installArchive(t, srv, "foo")

	t.Run("toggle disables", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/plugins/foo/toggle", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, false, body["enabled"])
		assert.Empty(t, manager.Registry().Widgets())
	})

	t.Run("toggle unknown id is 404", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/plugins/ghost/toggle", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("uninstall removes the plugin", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/plugins/foo", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, err = manager.Get("foo")
		assert.ErrorIs(t, err, plugin.ErrNotFound)
	})

	t.Run("bundled uninstall is 403", func(t *testing.T) {
		require.NoError(t, manager.RegisterBundled(&plugin.Manifest{
			ID: "core", Name: "Core", Version: "1.0.0",
		}))

		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/plugins/core", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestServerPublicAccessMode(t *testing.T) {
	srv := testServer(t, Config{PublicAccessMode: true})

	t.Run("mutating routes are 403", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/plugins/install/archive", "application/zip",
			bytes.NewReader(testArchive(t, "foo")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("read routes still work", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/plugins")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServerSharedSecret(t *testing.T) {
	srv := testServer(t, Config{SharedSecret: "0123456789abcdef"})

	t.Run("missing secret is 401", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/plugins")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("correct secret passes", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/plugins", nil)
		require.NoError(t, err)
		req.Header.Set("X-Lectern-Secret", "0123456789abcdef")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServerUpdateSettings(t *testing.T) {
	manager := testManager(t)
	srv := testServer(t, Config{Manager: manager})
	installArchive(t, srv, "foo")

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/plugins/foo/settings",
		strings.NewReader(`{"theme": "dark"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	state, err := manager.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "dark", state.Settings["theme"])
}

func TestServerRegistryRoutes(t *testing.T) {
	t.Run("no feed configured", func(t *testing.T) {
		srv := testServer(t, Config{})

		resp, err := http.Get(srv.URL + "/api/registry")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("feed browse and refresh", func(t *testing.T) {
		feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"plugins":[{"id":"foo","name":"Foo","downloadUrl":"https://example.com/foo.zip"}]}`))
		}))
		defer feedSrv.Close()

		feed := plugin.NewFeedClient(plugin.DefaultFeedClientConfig(feedSrv.URL), testLogger())
		srv := testServer(t, Config{Feed: feed})

		resp, err := http.Get(srv.URL + "/api/registry")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var entries []plugin.RegistryPlugin
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "foo", entries[0].ID)

		refresh, err := http.Post(srv.URL+"/api/registry/refresh", "application/json", nil)
		require.NoError(t, err)
		defer refresh.Body.Close()
		assert.Equal(t, http.StatusOK, refresh.StatusCode)
	})
}

func TestServerHealthz(t *testing.T) {
	srv := testServer(t, Config{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics()
	srv := testServer(t, Config{Metrics: m})
	installArchive(t, srv, "foo")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Port: 0, Manager: testManager(t)})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8484})
	assert.Error(t, err)
}
