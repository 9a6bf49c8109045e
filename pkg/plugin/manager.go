package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ManagerConfig configures the plugin manager
type ManagerConfig struct {
	// PluginsDir is where installed package files live on disk
	PluginsDir string
	// PublicAccessMode, when set, rejects every mutating operation and
	// leaves the stored state untouched (read-only plugin browsing).
	PublicAccessMode bool
}

// Manager orchestrates plugin lifecycle transitions: install, update,
// enable/disable and uninstall. It is the only writer of the store and the
// extension registry; transitions for a given plugin id are serialized.
type Manager struct {
	config    ManagerConfig
	store     *Store
	registry  *ExtensionRegistry
	acquirer  *Acquirer
	validator *Validator
	resolver  Resolver
	logger    zerolog.Logger

	// OnRenderFailure, when set, observes boundary-trapped failures
	// (wired to metrics by the daemon).
	OnRenderFailure func(pluginID string)

	// OnAcquireFailure, when set, observes failed package fetches by
	// acquisition source.
	OnAcquireFailure func(source string)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subMu       sync.RWMutex
	subscribers map[string]func(Change)
}

// NewManager creates a plugin manager
func NewManager(config ManagerConfig, store *Store, registry *ExtensionRegistry, acquirer *Acquirer, validator *Validator, resolver Resolver, logger zerolog.Logger) *Manager {
	return &Manager{
		config:      config,
		store:       store,
		registry:    registry,
		acquirer:    acquirer,
		validator:   validator,
		resolver:    resolver,
		logger:      logger.With().Str("component", "plugin-manager").Logger(),
		locks:       make(map[string]*sync.Mutex),
		subscribers: make(map[string]func(Change)),
	}
}

// lockPlugin serializes lifecycle transitions per plugin id. Acquisition
// runs before the lock is taken, so fetches for different ids stay
// concurrent.
func (m *Manager) lockPlugin(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Subscribe registers a lifecycle change callback. Callbacks run after the
// store and registry mutations of the triggering operation have committed.
// The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Change)) func() {
	id := gonanoid.Must()
	m.subMu.Lock()
	m.subscribers[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(change Change) {
	m.subMu.RLock()
	fns := make([]func(Change), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

// InstallFromURL acquires a plugin package from a remote URL and installs it
func (m *Manager) InstallFromURL(ctx context.Context, url string) *InstallResult {
	return m.install(ctx, func() (*Package, error) {
		return m.acquirer.FetchFromURL(ctx, url)
	})
}

// InstallFromArchive installs a plugin from an uploaded archive
func (m *Manager) InstallFromArchive(ctx context.Context, data []byte) *InstallResult {
	return m.install(ctx, func() (*Package, error) {
		return m.acquirer.FetchFromArchive(data)
	})
}

// InstallFromRegistry resolves a plugin id against the registry feed and
// installs the advertised package.
func (m *Manager) InstallFromRegistry(ctx context.Context, pluginID string) *InstallResult {
	return m.install(ctx, func() (*Package, error) {
		return m.acquirer.FetchFromRegistry(ctx, pluginID)
	})
}

// install runs the shared acquire → validate → store → publish pipeline.
// Any failure before the store write leaves no observable state behind.
func (m *Manager) install(ctx context.Context, fetch func() (*Package, error)) *InstallResult {
	if m.config.PublicAccessMode {
		return failedResult("installation is disabled in public access mode")
	}

	pkg, err := fetch()
	if err != nil {
		var acqErr *AcquisitionError
		if errors.As(err, &acqErr) && m.OnAcquireFailure != nil {
			m.OnAcquireFailure(acqErr.Source)
		}
		return resultFromError(err)
	}
	if err := ctx.Err(); err != nil {
		return resultFromError(&AcquisitionError{Source: "install", Reason: "cancelled", Err: err})
	}

	manifest, err := m.validator.ValidateManifest(pkg.Files[ManifestFileName])
	if err != nil {
		return resultFromError(err)
	}
	pkg.Manifest = manifest
	if err := m.validator.ValidatePackage(pkg); err != nil {
		return resultFromError(err)
	}

	unlock := m.lockPlugin(manifest.ID)
	defer unlock()

	// Reinstalling an existing id is an update: its settings, bundled
	// flag and install time survive, only the manifest is replaced.
	state := &State{Manifest: manifest, Enabled: true, Settings: map[string]any{}}
	updated := false
	existing, err := m.store.Get(manifest.ID)
	switch {
	case err == nil:
		updated = true
		state.Settings = existing.Settings
		state.Bundled = existing.Bundled
		state.InstalledAt = existing.InstalledAt
	case errors.Is(err, ErrNotFound):
		// fresh install
	default:
		return resultFromError(err)
	}

	// Stage the files beside the install directory first: a store failure
	// must leave a previous install of the same id untouched on disk.
	staging, err := stagePackageFiles(m.config.PluginsDir, pkg)
	if err != nil {
		return resultFromError(&StoreError{Op: "stageFiles", Err: err})
	}
	defer os.RemoveAll(staging)

	if err := m.store.Put(state); err != nil {
		return resultFromError(err)
	}
	if err := commitPackageFiles(staging, m.config.PluginsDir, manifest.ID); err != nil {
		if !updated {
			if rmErr := m.store.Remove(manifest.ID); rmErr != nil {
				m.logger.Warn().Err(rmErr).Str("plugin", manifest.ID).Msg("Failed to roll back store entry")
			}
		}
		return resultFromError(&StoreError{Op: "commitFiles", Err: err})
	}

	contributions, err := m.contributionsFor(state.Manifest)
	if err != nil {
		return resultFromError(NewValidationError(err.Error()))
	}

	m.publish(state.Manifest.ID, contributions)

	action := string(ChangeInstalled)
	kind := ChangeInstalled
	if updated {
		action = string(ChangeUpdated)
		kind = ChangeUpdated
	}
	if err := m.store.AppendAudit(manifest.ID, action, "version "+manifest.Version); err != nil {
		m.logger.Warn().Err(err).Str("plugin", manifest.ID).Msg("Failed to write audit record")
	}

	m.logger.Info().
		Str("plugin", manifest.ID).
		Str("version", manifest.Version).
		Bool("updated", updated).
		Msg("Plugin installed")

	m.notify(Change{Kind: kind, PluginID: manifest.ID})

	return &InstallResult{
		Success:  true,
		PluginID: manifest.ID,
		Version:  manifest.Version,
		Updated:  updated,
	}
}

// Toggle flips a plugin's enabled flag. Disabling withdraws the plugin's
// contributions synchronously, before Toggle returns; enabling republishes
// them.
func (m *Manager) Toggle(id string) error {
	if m.config.PublicAccessMode {
		return &ForbiddenError{Reason: "plugin management is disabled in public access mode"}
	}
	unlock := m.lockPlugin(id)
	defer unlock()

	state, err := m.store.Get(id)
	if err != nil {
		return err
	}

	if state.Enabled {
		return m.disableLocked(state, false, nil)
	}
	return m.enableLocked(state)
}

// Uninstall removes a plugin entirely. Bundled plugins are protected.
// Contributions are withdrawn immediately, before the store record goes.
func (m *Manager) Uninstall(id string) error {
	if m.config.PublicAccessMode {
		return &ForbiddenError{Reason: "plugin management is disabled in public access mode"}
	}
	unlock := m.lockPlugin(id)
	defer unlock()

	state, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if state.Bundled {
		return &ForbiddenError{Reason: fmt.Sprintf("plugin %s is bundled with the host and cannot be uninstalled", id)}
	}

	m.registry.WithdrawAll(id)
	if err := m.store.Remove(id); err != nil {
		return err
	}
	if err := removePackageFiles(m.config.PluginsDir, id); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to remove package files")
	}
	if err := m.store.AppendAudit(id, string(ChangeUninstalled), ""); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to write audit record")
	}

	m.logger.Info().Str("plugin", id).Msg("Plugin uninstalled")
	m.notify(Change{Kind: ChangeUninstalled, PluginID: id})
	return nil
}

// DisableAfterFailure is the render boundary's escalation path: a forced
// disable with an audit note recording that the trigger was an error, not a
// user action. It is allowed even in public access mode since it protects
// the host.
func (m *Manager) DisableAfterFailure(id string, cause error) error {
	unlock := m.lockPlugin(id)
	defer unlock()

	state, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if !state.Enabled {
		return nil
	}
	return m.disableLocked(state, true, cause)
}

// disableLocked withdraws contributions first so no reader observes a
// disabled plugin's elements, then commits the flag flip. A failed commit
// restores the contributions.
func (m *Manager) disableLocked(state *State, errorTriggered bool, cause error) error {
	id := state.Manifest.ID
	m.registry.WithdrawAll(id)

	if err := m.store.SetEnabled(id, false); err != nil {
		if contributions, resolveErr := m.contributionsFor(state.Manifest); resolveErr == nil {
			m.publish(id, contributions)
		}
		return err
	}

	detail := ""
	action := string(ChangeDisabled)
	if errorTriggered {
		action = "disabled-after-error"
		if cause != nil {
			detail = cause.Error()
		}
	}
	if err := m.store.AppendAudit(id, action, detail); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to write audit record")
	}

	m.logger.Info().Str("plugin", id).Bool("errorTriggered", errorTriggered).Msg("Plugin disabled")
	m.notify(Change{Kind: ChangeDisabled, PluginID: id, ErrorTriggered: errorTriggered})
	return nil
}

func (m *Manager) enableLocked(state *State) error {
	id := state.Manifest.ID
	contributions, err := m.contributionsFor(state.Manifest)
	if err != nil {
		return NewValidationError(err.Error())
	}

	if err := m.store.SetEnabled(id, true); err != nil {
		return err
	}
	m.publish(id, contributions)

	if err := m.store.AppendAudit(id, string(ChangeEnabled), ""); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to write audit record")
	}

	m.logger.Info().Str("plugin", id).Msg("Plugin enabled")
	m.notify(Change{Kind: ChangeEnabled, PluginID: id})
	return nil
}

// contributionsFor binds every manifest extension point to render logic
func (m *Manager) contributionsFor(manifest *Manifest) ([]Contribution, error) {
	contributions := make([]Contribution, 0, len(manifest.ExtensionPoints))
	for _, point := range manifest.ExtensionPoints {
		render, err := m.resolver.Resolve(manifest, point)
		if err != nil {
			return nil, fmt.Errorf("binding extension point %q: %w", point.OptionsID, err)
		}
		contributions = append(contributions, Contribution{
			PluginID: manifest.ID,
			Kind:     point.Kind,
			Options: Options{
				ID:     point.OptionsID,
				Label:  point.Label,
				Icon:   point.Icon,
				Render: render,
			},
		})
	}
	return contributions, nil
}

// publish pushes contributions into the registry as one logical batch
func (m *Manager) publish(pluginID string, contributions []Contribution) {
	m.registry.Batch(func() {
		for _, c := range contributions {
			switch c.Kind {
			case KindSidebarMode:
				m.registry.RegisterSidebarMode(pluginID, c.Options)
			case KindToolbarButton:
				m.registry.RegisterToolbarButton(pluginID, c.Options)
			case KindWidget:
				m.registry.RegisterWidget(pluginID, c.Options)
			}
		}
	})
}

// LoadInstalled republishes contributions for every enabled stored plugin.
// Manifests are re-validated against the current host capability set; a
// record that no longer validates is disabled rather than dropped.
func (m *Manager) LoadInstalled() error {
	states, err := m.store.GetAll()
	if err != nil {
		return err
	}

	m.registry.Batch(func() {
		for _, state := range states {
			id := state.Manifest.ID
			if !state.Enabled {
				continue
			}

			if unknown := unknownCapabilities(state.Manifest); len(unknown) > 0 {
				m.logger.Warn().
					Str("plugin", id).
					Strs("capabilities", unknown).
					Msg("Stored plugin declares capabilities this host does not know; disabling")
				m.quietDisable(id, fmt.Sprintf("unknown capabilities after host upgrade: %v", unknown))
				continue
			}

			contributions, err := m.contributionsFor(state.Manifest)
			if err != nil {
				m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to bind stored plugin; disabling")
				m.quietDisable(id, err.Error())
				continue
			}
			for _, c := range contributions {
				switch c.Kind {
				case KindSidebarMode:
					m.registry.RegisterSidebarMode(id, c.Options)
				case KindToolbarButton:
					m.registry.RegisterToolbarButton(id, c.Options)
				case KindWidget:
					m.registry.RegisterWidget(id, c.Options)
				}
			}
		}
	})

	m.logger.Info().Int("plugins", len(states)).Msg("Loaded installed plugins")
	return nil
}

// quietDisable flips the flag without notification; used during load where
// subscribers are not attached yet.
func (m *Manager) quietDisable(id, reason string) {
	if err := m.store.SetEnabled(id, false); err != nil {
		m.logger.Error().Err(err).Str("plugin", id).Msg("Failed to disable plugin during load")
		return
	}
	if err := m.store.AppendAudit(id, "disabled-on-load", reason); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to write audit record")
	}
}

// RegisterBundled installs or upgrades a plugin that ships with the host.
// Bundled plugins cannot be uninstalled; a stored record's settings and
// enabled flag survive host upgrades, and the manifest is only replaced
// when the bundled version is newer.
func (m *Manager) RegisterBundled(manifest *Manifest) error {
	unlock := m.lockPlugin(manifest.ID)
	defer unlock()

	existing, err := m.store.Get(manifest.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	state := &State{Manifest: manifest, Enabled: true, Bundled: true, Settings: map[string]any{}}
	if existing != nil {
		newer, cmpErr := versionNewer(manifest.Version, existing.Manifest.Version)
		if cmpErr == nil && !newer {
			return nil
		}
		state.Settings = existing.Settings
		state.Enabled = existing.Enabled
		state.InstalledAt = existing.InstalledAt
	}

	if err := m.store.Put(state); err != nil {
		return err
	}
	m.logger.Info().
		Str("plugin", manifest.ID).
		Str("version", manifest.Version).
		Msg("Registered bundled plugin")
	return nil
}

// Get returns the stored record for a plugin id
func (m *Manager) Get(id string) (*State, error) {
	return m.store.Get(id)
}

// List returns all stored records in install order
func (m *Manager) List() ([]*State, error) {
	return m.store.GetAll()
}

// SettingsGetter returns a live view of a plugin's settings; each call
// re-reads the store, so no handle ever observes a stale capture.
func (m *Manager) SettingsGetter(id string) func() map[string]any {
	return func() map[string]any {
		state, err := m.store.Get(id)
		if err != nil {
			return map[string]any{}
		}
		return state.Settings
	}
}

// UpdateSettings replaces a plugin's opaque settings map
func (m *Manager) UpdateSettings(id string, settings map[string]any) error {
	unlock := m.lockPlugin(id)
	defer unlock()
	return m.store.UpdateSettings(id, settings)
}

// Audit returns the most recent audit entries for a plugin, newest first
func (m *Manager) Audit(id string, limit int) ([]AuditEntry, error) {
	if _, err := m.store.Get(id); err != nil {
		return nil, err
	}
	return m.store.AuditLog(id, limit)
}

// WrapContribution places one contribution behind an isolation boundary
func (m *Manager) WrapContribution(c Contribution) *Boundary {
	return NewBoundary(c, m, m.logger, m.OnRenderFailure)
}

// Registry exposes the extension registry's read surface
func (m *Manager) Registry() *ExtensionRegistry {
	return m.registry
}

func unknownCapabilities(manifest *Manifest) []string {
	var unknown []string
	for _, c := range manifest.Capabilities {
		if !ValidCapabilities[c] {
			unknown = append(unknown, string(c))
		}
	}
	return unknown
}

// versionNewer reports whether a is a strictly newer semver than b
func versionNewer(a, b string) (bool, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false, err
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false, err
	}
	return va.GreaterThan(vb), nil
}

func failedResult(reasons ...string) *InstallResult {
	return &InstallResult{Success: false, Errors: reasons}
}

func resultFromError(err error) *InstallResult {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &InstallResult{Success: false, Errors: ve.Reasons}
	}
	return &InstallResult{Success: false, Errors: []string{err.Error()}}
}
