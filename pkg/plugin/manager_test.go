package plugin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	manager    *Manager
	store      *Store
	registry   *ExtensionRegistry
	feed       *FeedClient
	pluginsDir string
	storePath  string
}

func newManagerFixture(t *testing.T, feedURL string, publicMode bool) *managerFixture {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "plugins.db")

	store, err := OpenStore(storePath, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewExtensionRegistry(testLogger())
	feed := NewFeedClient(DefaultFeedClientConfig(feedURL), testLogger())
	acquirer := NewAcquirer(DefaultAcquirerConfig(), feed, testLogger())
	validator := NewValidator(testLogger())
	pluginsDir := filepath.Join(dir, "plugins")

	manager := NewManager(
		ManagerConfig{PluginsDir: pluginsDir, PublicAccessMode: publicMode},
		store, registry, acquirer, validator,
		ResolverChain{NewDirResolver(pluginsDir)},
		testLogger(),
	)

	return &managerFixture{
		manager:    manager,
		store:      store,
		registry:   registry,
		feed:       feed,
		pluginsDir: pluginsDir,
		storePath:  storePath,
	}
}

func archiveFor(t *testing.T, id, version string) []byte {
	manifest := fmt.Sprintf(`{
		"id": %q,
		"name": "Plugin %s",
		"version": %q,
		"capabilities": ["settings:read"],
		"extensionPoints": [
			{"kind": "widget", "optionsId": "%s-widget", "label": "Widget", "entry": "widget.html"}
		]
	}`, id, id, version, id)
	return makeArchive(t, map[string]string{
		ManifestFileName: manifest,
		"widget.html":    "<div>" + id + " " + version + "</div>",
	})
}

func TestManager_InstallFromArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("installs, enables and publishes contributions", func(t *testing.T) {
		fx := newManagerFixture(t, "", false)

		result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))

		require.True(t, result.Success, "errors: %v", result.Errors)
		assert.Equal(t, "foo", result.PluginID)
		assert.False(t, result.Updated)

		state, err := fx.store.Get("foo")
		require.NoError(t, err)
		assert.True(t, state.Enabled)
		assert.False(t, state.Bundled)

		widgets := fx.registry.Widgets()
		require.Len(t, widgets, 1)
		assert.Equal(t, "foo", widgets[0].PluginID)
		assert.Equal(t, "foo-widget", widgets[0].Options.ID)
	})

	t.Run("validation failure leaves no trace", func(t *testing.T) {
		fx := newManagerFixture(t, "", false)
		bad := makeArchive(t, map[string]string{
			ManifestFileName: `{"id": "Bad_ID", "name": "Bad", "version": "nope"}`,
		})

		result := fx.manager.InstallFromArchive(ctx, bad)

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Errors)

		states, err := fx.store.GetAll()
		require.NoError(t, err)
		assert.Empty(t, states)
		assert.Empty(t, fx.registry.Widgets())
	})

	t.Run("missing declared entry fails validation", func(t *testing.T) {
		fx := newManagerFixture(t, "", false)
		bad := makeArchive(t, map[string]string{
			ManifestFileName: `{
				"id": "hollow", "name": "Hollow", "version": "1.0.0",
				"extensionPoints": [{"kind": "widget", "optionsId": "w", "entry": "nowhere.html"}]
			}`,
		})

		result := fx.manager.InstallFromArchive(ctx, bad)

		assert.False(t, result.Success)
		_, err := fx.store.Get("hollow")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("store write failure yields no visible record", func(t *testing.T) {
		fx := newManagerFixture(t, "", false)
		// Force the store write to fail after acquisition and
		// validation have both succeeded.
		require.NoError(t, fx.store.Close())

		result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "doomed", "1.0.0"))
		assert.False(t, result.Success)

		reopened, err := OpenStore(fx.storePath, testLogger())
		require.NoError(t, err)
		defer reopened.Close()

		states, err := reopened.GetAll()
		require.NoError(t, err)
		assert.Empty(t, states)
	})

	t.Run("rejected in public access mode", func(t *testing.T) {
		fx := newManagerFixture(t, "", true)

		result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))

		assert.False(t, result.Success)
		require.NotEmpty(t, result.Errors)
		assert.Contains(t, result.Errors[0], "public access mode")
	})
}

func TestManager_InstallFromURL(t *testing.T) {
	ctx := context.Background()

	archive := archiveFor(t, "remote", "1.0.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(archive)
	}))
	defer srv.Close()

	fx := newManagerFixture(t, "", false)
	result := fx.manager.InstallFromURL(ctx, srv.URL)

	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, "remote", result.PluginID)
}

func TestManager_AcquireFailureHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fx := newManagerFixture(t, "", false)

	var sources []string
	fx.manager.OnAcquireFailure = func(source string) { sources = append(sources, source) }

	result := fx.manager.InstallFromURL(context.Background(), srv.URL)
	require.False(t, result.Success)
	assert.Equal(t, []string{"url"}, sources)
}

func TestManager_UpdatePreservesSettings(t *testing.T) {
	ctx := context.Background()

	v2 := archiveFor(t, "foo", "2.0.0")
	pkgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(v2)
	}))
	defer pkgSrv.Close()

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"plugins":[{"id":"foo","name":"Foo","downloadUrl":"` + pkgSrv.URL + `"}]}`))
	}))
	defer feedSrv.Close()

	fx := newManagerFixture(t, feedSrv.URL, false)

	// Install v1, then let the user configure it.
	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
	require.True(t, result.Success)
	require.NoError(t, fx.manager.UpdateSettings("foo", map[string]any{"theme": "dark"}))

	// Reinstalling the same id from the registry is an update.
	result = fx.manager.InstallFromRegistry(ctx, "foo")
	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.True(t, result.Updated)

	state, err := fx.store.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", state.Manifest.Version)
	assert.Equal(t, "dark", state.Settings["theme"])

	// Still exactly one record and one widget for the id.
	states, err := fx.store.GetAll()
	require.NoError(t, err)
	assert.Len(t, states, 1)
	assert.Len(t, fx.registry.Widgets(), 1)
}

func TestManager_FailedUpdateKeepsPreviousFiles(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	require.True(t, fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0")).Success)

	entry := filepath.Join(fx.pluginsDir, "foo", "widget.html")
	before, err := os.ReadFile(entry)
	require.NoError(t, err)

	// Reject the record rewrite so the update's store write fails after the
	// replacement package has been fetched and validated.
	_, err = fx.store.db.Exec(`
		CREATE TRIGGER reject_plugin_writes BEFORE UPDATE ON plugins
		BEGIN SELECT RAISE(ABORT, 'writes rejected'); END`)
	require.NoError(t, err)

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "2.0.0"))
	assert.False(t, result.Success)

	// The v1 entry file is untouched and still renders.
	after, err := os.ReadFile(entry)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	state, err := fx.store.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", state.Manifest.Version)

	// No staging leftovers beside the install.
	entries, err := os.ReadDir(fx.pluginsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "foo", entries[0].Name())
}

func TestManager_Toggle(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
	require.True(t, result.Success)

	t.Run("disable withdraws contributions before returning", func(t *testing.T) {
		require.NoError(t, fx.manager.Toggle("foo"))

		state, err := fx.store.Get("foo")
		require.NoError(t, err)
		assert.False(t, state.Enabled)
		assert.Empty(t, fx.registry.Widgets())
	})

	t.Run("enable republishes contributions", func(t *testing.T) {
		require.NoError(t, fx.manager.Toggle("foo"))

		state, err := fx.store.Get("foo")
		require.NoError(t, err)
		assert.True(t, state.Enabled)
		assert.Len(t, fx.registry.Widgets(), 1)
	})

	t.Run("unknown id returns ErrNotFound", func(t *testing.T) {
		assert.ErrorIs(t, fx.manager.Toggle("ghost"), ErrNotFound)
	})

	t.Run("rejected in public access mode", func(t *testing.T) {
		locked := newManagerFixture(t, "", true)
		err := locked.manager.Toggle("foo")
		assert.True(t, IsForbidden(err))
	})
}

func TestManager_Uninstall(t *testing.T) {
	ctx := context.Background()

	t.Run("removes record, contributions and files", func(t *testing.T) {
		fx := newManagerFixture(t, "", false)
		result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
		require.True(t, result.Success)

		require.NoError(t, fx.manager.Uninstall("foo"))

		_, err := fx.store.Get("foo")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, fx.registry.Widgets())
		_, err = os.Stat(filepath.Join(fx.pluginsDir, "foo"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("bundled plugins are protected", func(t *testing.T) {
		fx := newManagerFixture(t, "", false)
		require.NoError(t, fx.manager.RegisterBundled(&Manifest{
			ID: "builtin-thing", Name: "Builtin", Version: "1.0.0",
		}))

		err := fx.manager.Uninstall("builtin-thing")
		assert.True(t, IsForbidden(err))

		state, err := fx.store.Get("builtin-thing")
		require.NoError(t, err)
		assert.True(t, state.Bundled)
		assert.True(t, state.Enabled)
	})
}

func TestManager_RegisterBundled(t *testing.T) {
	fx := newManagerFixture(t, "", false)

	require.NoError(t, fx.manager.RegisterBundled(&Manifest{ID: "core", Name: "Core", Version: "1.0.0"}))
	require.NoError(t, fx.manager.UpdateSettings("core", map[string]any{"pinned": true}))
	require.NoError(t, fx.store.SetEnabled("core", false))

	t.Run("same version leaves the record alone", func(t *testing.T) {
		require.NoError(t, fx.manager.RegisterBundled(&Manifest{ID: "core", Name: "Core", Version: "1.0.0"}))

		state, err := fx.store.Get("core")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", state.Manifest.Version)
		assert.False(t, state.Enabled)
	})

	t.Run("newer version upgrades but keeps settings and enabled flag", func(t *testing.T) {
		require.NoError(t, fx.manager.RegisterBundled(&Manifest{ID: "core", Name: "Core", Version: "1.1.0"}))

		state, err := fx.store.Get("core")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", state.Manifest.Version)
		assert.Equal(t, true, state.Settings["pinned"])
		assert.False(t, state.Enabled)
		assert.True(t, state.Bundled)
	})
}

func TestManager_DisableAfterFailure(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "bar", "1.0.0"))
	require.True(t, result.Success)

	widgets := fx.registry.Widgets()
	require.Len(t, widgets, 1)

	// Simulate the plugin's widget blowing up during render.
	crashing := widgets[0]
	crashing.Options.Render = func(ctx context.Context, api *API) (string, error) {
		panic("widget exploded")
	}
	boundary := fx.manager.WrapContribution(crashing)

	_, err := boundary.Render(ctx, nil)
	var re *RenderError
	require.ErrorAs(t, err, &re)

	// A trapped failure alone does not disable the plugin.
	state, err := fx.store.Get("bar")
	require.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Len(t, fx.registry.Widgets(), 1)

	// Escalating through the boundary does.
	require.NoError(t, boundary.Disable())

	state, err = fx.store.Get("bar")
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.Empty(t, fx.registry.Widgets())

	// The audit trail records that an error, not a user, pulled the plug.
	entries, err := fx.store.AuditLog("bar", 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "disabled-after-error", entries[0].Action)
}

func TestManager_Subscribe(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	var changes []Change
	unsubscribe := fx.manager.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
	require.True(t, result.Success)
	require.NoError(t, fx.manager.Toggle("foo"))
	require.NoError(t, fx.manager.Toggle("foo"))
	require.NoError(t, fx.manager.Uninstall("foo"))

	require.Len(t, changes, 4)
	assert.Equal(t, ChangeInstalled, changes[0].Kind)
	assert.Equal(t, ChangeDisabled, changes[1].Kind)
	assert.Equal(t, ChangeEnabled, changes[2].Kind)
	assert.Equal(t, ChangeUninstalled, changes[3].Kind)
	assert.False(t, changes[1].ErrorTriggered)

	unsubscribe()
	fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
	assert.Len(t, changes, 4)
}

func TestManager_SubscriberObservesCommittedState(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	var enabledAtNotify bool
	var widgetsAtNotify int
	fx.manager.Subscribe(func(c Change) {
		if c.Kind != ChangeInstalled {
			return
		}
		state, err := fx.store.Get(c.PluginID)
		require.NoError(t, err)
		enabledAtNotify = state.Enabled
		widgetsAtNotify = len(fx.registry.Widgets())
	})

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
	require.True(t, result.Success)

	assert.True(t, enabledAtNotify)
	assert.Equal(t, 1, widgetsAtNotify)
}

func TestManager_SettingsGetterIsLive(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))
	require.True(t, result.Success)
	require.NoError(t, fx.manager.UpdateSettings("foo", map[string]any{"a": float64(1)}))

	factory := NewAPIFactory(HostFuncs{}, testLogger())
	state, err := fx.store.Get("foo")
	require.NoError(t, err)

	before := factory.NewAPI(state.Manifest, fx.manager.SettingsGetter("foo"))
	require.NoError(t, fx.manager.UpdateSettings("foo", map[string]any{"a": float64(2)}))
	after := factory.NewAPI(state.Manifest, fx.manager.SettingsGetter("foo"))

	fromBefore, err := before.Settings(ctx)
	require.NoError(t, err)
	fromAfter, err := after.Settings(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(2), fromBefore["a"])
	assert.Equal(t, float64(2), fromAfter["a"])
}

func TestManager_LoadInstalled(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	require.True(t, fx.manager.InstallFromArchive(ctx, archiveFor(t, "keep", "1.0.0")).Success)
	require.True(t, fx.manager.InstallFromArchive(ctx, archiveFor(t, "dormant", "1.0.0")).Success)
	require.NoError(t, fx.manager.Toggle("dormant"))

	// A record whose capabilities this host build no longer knows.
	require.NoError(t, fx.store.Put(&State{
		Manifest: &Manifest{
			ID: "timeworn", Name: "Timeworn", Version: "1.0.0",
			Capabilities: []Capability{"quantum:entangle"},
		},
		Enabled:  true,
		Settings: map[string]any{},
	}))

	// Fresh registry and manager over the same durable state, as after a
	// host restart.
	registry := NewExtensionRegistry(testLogger())
	manager := NewManager(
		ManagerConfig{PluginsDir: fx.pluginsDir},
		fx.store, registry, nil, NewValidator(testLogger()),
		ResolverChain{NewDirResolver(fx.pluginsDir)},
		testLogger(),
	)

	calls := 0
	registry.OnChange(func() { calls++ })

	require.NoError(t, manager.LoadInstalled())

	widgets := registry.Widgets()
	require.Len(t, widgets, 1)
	assert.Equal(t, "keep", widgets[0].PluginID)
	assert.Equal(t, 1, calls, "load publishes as one logical batch")

	state, err := fx.store.Get("timeworn")
	require.NoError(t, err)
	assert.False(t, state.Enabled, "unknown capabilities disable the record on load")

	var errInstalled error
	_, errInstalled = fx.store.Get("dormant")
	assert.NoError(t, errInstalled, "disabled records survive load")
}

func TestManager_ConcurrentInstallsSameID(t *testing.T) {
	ctx := context.Background()
	fx := newManagerFixture(t, "", false)

	done := make(chan *InstallResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- fx.manager.InstallFromArchive(ctx, archiveFor(t, "racy", "1.0.0"))
		}()
	}

	first, second := <-done, <-done
	require.True(t, first.Success)
	require.True(t, second.Success)

	states, err := fx.store.GetAll()
	require.NoError(t, err)
	assert.Len(t, states, 1)
	assert.Len(t, fx.registry.Widgets(), 1)
}

func TestManager_InstallCancelledContext(t *testing.T) {
	fx := newManagerFixture(t, "", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := fx.manager.InstallFromArchive(ctx, archiveFor(t, "foo", "1.0.0"))

	assert.False(t, result.Success)
	states, err := fx.store.GetAll()
	require.NoError(t, err)
	assert.Empty(t, states)
}
