package plugin

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// HostFuncs carries the host-side closures an API handle delegates to. The
// Settings getter is read at every call so a handle created before a
// settings update still observes the current values.
type HostFuncs struct {
	Settings      func() map[string]any
	WriteSettings func(pluginID string, settings map[string]any) error
	Navigate      func(target string) error
	ReadDocument  func(path string) (string, error)
	Notify        func(pluginID, message string)
}

// API is a capability-scoped handle to host services, created fresh per
// render or invocation and scoped to exactly one plugin id. Invoking a
// capability the manifest never declared fails with PermissionError rather
// than silently doing nothing.
type API struct {
	pluginID string
	granted  map[Capability]bool
	host     HostFuncs
	logger   zerolog.Logger
}

// APIFactory builds capability-scoped API handles per plugin invocation
type APIFactory struct {
	host   HostFuncs
	logger zerolog.Logger
}

// NewAPIFactory creates an API factory bound to the host's service closures
func NewAPIFactory(host HostFuncs, logger zerolog.Logger) *APIFactory {
	return &APIFactory{
		host:   host,
		logger: logger.With().Str("component", "plugin-api").Logger(),
	}
}

// NewAPI creates an API handle for one plugin, exposing only the
// capabilities the given manifest declares.
func (f *APIFactory) NewAPI(manifest *Manifest, settingsGetter func() map[string]any) *API {
	granted := make(map[Capability]bool, len(manifest.Capabilities))
	for _, c := range manifest.Capabilities {
		granted[c] = true
	}

	host := f.host
	host.Settings = settingsGetter

	return &API{
		pluginID: manifest.ID,
		granted:  granted,
		host:     host,
		logger:   f.logger.With().Str("plugin", manifest.ID).Logger(),
	}
}

// PluginID returns the id this handle is scoped to
func (a *API) PluginID() string {
	return a.pluginID
}

// Has reports whether the plugin declared the given capability
func (a *API) Has(c Capability) bool {
	return a.granted[c]
}

func (a *API) require(c Capability) error {
	if !a.granted[c] {
		return &PermissionError{PluginID: a.pluginID, Capability: c}
	}
	return nil
}

// Settings returns the plugin's current settings. Values are read through
// the live getter, never from a capture taken at handle creation.
func (a *API) Settings(ctx context.Context) (map[string]any, error) {
	if err := a.require(CapabilitySettingsRead); err != nil {
		return nil, err
	}
	if a.host.Settings == nil {
		return map[string]any{}, nil
	}
	return a.host.Settings(), nil
}

// Setting returns one settings value by key
func (a *API) Setting(ctx context.Context, key string) (any, bool, error) {
	settings, err := a.Settings(ctx)
	if err != nil {
		return nil, false, err
	}
	value, ok := settings[key]
	return value, ok, nil
}

// WriteSettings replaces the plugin's settings map
func (a *API) WriteSettings(ctx context.Context, settings map[string]any) error {
	if err := a.require(CapabilitySettingsWrite); err != nil {
		return err
	}
	if a.host.WriteSettings == nil {
		return errors.New("settings writer not available")
	}
	a.logger.Debug().Msg("Plugin wrote settings")
	return a.host.WriteSettings(a.pluginID, settings)
}

// Navigate asks the host to open a document or view
func (a *API) Navigate(ctx context.Context, target string) error {
	if err := a.require(CapabilityNavigation); err != nil {
		return err
	}
	if a.host.Navigate == nil {
		return errors.New("navigation not available")
	}
	a.logger.Debug().Str("target", target).Msg("Plugin navigated")
	return a.host.Navigate(target)
}

// ReadDocument returns the rendered source of a document visible to the
// host viewer.
func (a *API) ReadDocument(ctx context.Context, path string) (string, error) {
	if err := a.require(CapabilityDocumentsRead); err != nil {
		return "", err
	}
	if a.host.ReadDocument == nil {
		return "", errors.New("document access not available")
	}
	return a.host.ReadDocument(path)
}

// Notify shows a host notification on the plugin's behalf
func (a *API) Notify(ctx context.Context, message string) error {
	if err := a.require(CapabilityNotifications); err != nil {
		return err
	}
	if a.host.Notify != nil {
		a.host.Notify(a.pluginID, message)
	}
	return nil
}
