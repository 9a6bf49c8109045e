package plugin

import (
	"time"
)

// Capability is a permission token gating a plugin's access to a host API
// surface. Plugins declare capabilities in their manifest; invoking an
// undeclared capability fails with a PermissionError.
type Capability string

const (
	CapabilitySettingsRead  Capability = "settings:read"
	CapabilitySettingsWrite Capability = "settings:write"
	CapabilityNavigation    Capability = "navigation"
	CapabilityDocumentsRead Capability = "documents:read"
	CapabilityNotifications Capability = "notifications"
)

// ValidCapabilities is the set of capability tokens the host understands
var ValidCapabilities = map[Capability]bool{
	CapabilitySettingsRead:  true,
	CapabilitySettingsWrite: true,
	CapabilityNavigation:    true,
	CapabilityDocumentsRead: true,
	CapabilityNotifications: true,
}

// ExtensionKind identifies a named UI slot the host renders by querying the
// extension registry.
type ExtensionKind string

const (
	KindSidebarMode   ExtensionKind = "sidebar-mode"
	KindToolbarButton ExtensionKind = "toolbar-button"
	KindWidget        ExtensionKind = "widget"
)

// ExtensionPoint is a manifest-declared contribution slot. Entry names the
// package file that backs the contribution; OptionsID is stable across
// reinstalls of the same plugin.
type ExtensionPoint struct {
	Kind      ExtensionKind `json:"kind"`
	OptionsID string        `json:"optionsId"`
	Label     string        `json:"label,omitempty"`
	Icon      string        `json:"icon,omitempty"`
	Entry     string        `json:"entry"`
}

// Manifest is the plugin's self-declared identity, immutable once
// installed. ID is the only external identity: reinstalling the same id
// replaces, never duplicates.
type Manifest struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Version         string           `json:"version"`
	Description     string           `json:"description,omitempty"`
	Author          string           `json:"author,omitempty"`
	Capabilities    []Capability     `json:"capabilities,omitempty"`
	ExtensionPoints []ExtensionPoint `json:"extensionPoints,omitempty"`
}

// HasCapability reports whether the manifest declares the given capability
func (m *Manifest) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ManifestFileName is the file every plugin package must contain
const ManifestFileName = "plugin.json"

// Package is an installable unit: a validated manifest plus the package
// files keyed by their archive-relative name.
type Package struct {
	Manifest *Manifest
	Files    map[string][]byte
}

// HasFile reports whether the package contains a file with the given name
func (p *Package) HasFile(name string) bool {
	_, ok := p.Files[name]
	return ok
}

// State is the mutable per-plugin record owned by the store. Settings are
// plugin-private and never interpreted by the host.
type State struct {
	Manifest    *Manifest
	Enabled     bool
	Bundled     bool
	Settings    map[string]any
	InstalledAt time.Time
}

// RegistryPlugin describes an available-but-not-installed plugin as
// advertised by the curated registry feed. Held only in the session cache.
type RegistryPlugin struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	DownloadURL string `json:"downloadUrl"`
}

// Feed is the registry feed document
type Feed struct {
	Plugins []RegistryPlugin `json:"plugins"`
}

// InstallResult is the outcome of an install attempt, shaped for direct
// presentation to the caller.
type InstallResult struct {
	Success  bool     `json:"success"`
	PluginID string   `json:"pluginId,omitempty"`
	Version  string   `json:"version,omitempty"`
	Updated  bool     `json:"updated,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// ChangeKind identifies the lifecycle transition carried by a manager
// notification.
type ChangeKind string

const (
	ChangeInstalled   ChangeKind = "installed"
	ChangeUpdated     ChangeKind = "updated"
	ChangeEnabled     ChangeKind = "enabled"
	ChangeDisabled    ChangeKind = "disabled"
	ChangeUninstalled ChangeKind = "uninstalled"
)

// Change is delivered to manager subscribers after the corresponding store
// and registry mutations have committed.
type Change struct {
	Kind     ChangeKind
	PluginID string
	// ErrorTriggered marks a disable that was forced by the render
	// boundary rather than requested by a user.
	ErrorTriggered bool
}
