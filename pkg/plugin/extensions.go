package plugin

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// RenderFunc is the opaque, host-invokable render entry point of one
// contribution. The host never branches on plugin identity, only on
// extension kind; whatever backs the function (a bundled Go renderer, an
// interpreted package entry) is invisible behind this boundary.
type RenderFunc func(ctx context.Context, api *API) (string, error)

// Options describes one contribution to a UI slot. ID is stable across
// reinstalls of the owning plugin.
type Options struct {
	ID     string     `json:"id"`
	Label  string     `json:"label"`
	Icon   string     `json:"icon,omitempty"`
	Render RenderFunc `json:"-"`
}

// Contribution is a live, registered extension point belonging to one
// installed-and-enabled plugin.
type Contribution struct {
	PluginID string        `json:"pluginId"`
	Kind     ExtensionKind `json:"kind"`
	Options  Options       `json:"options"`
}

// ExtensionRegistry is the typed directory of contributed UI extension
// points, keyed by plugin id. It is owned by the plugin manager; host UI
// code only reads snapshots and subscribes to changes.
type ExtensionRegistry struct {
	mu          sync.RWMutex
	byKind      map[ExtensionKind][]Contribution
	subscribers map[string]func()
	batchDepth  int
	dirty       bool
	logger      zerolog.Logger
}

// NewExtensionRegistry creates a new, empty extension registry
func NewExtensionRegistry(logger zerolog.Logger) *ExtensionRegistry {
	return &ExtensionRegistry{
		byKind:      make(map[ExtensionKind][]Contribution),
		subscribers: make(map[string]func()),
		logger:      logger.With().Str("component", "extension-registry").Logger(),
	}
}

// RegisterSidebarMode registers a sidebar mode contribution
func (r *ExtensionRegistry) RegisterSidebarMode(pluginID string, opts Options) {
	r.register(pluginID, KindSidebarMode, opts)
}

// RegisterToolbarButton registers a toolbar button contribution
func (r *ExtensionRegistry) RegisterToolbarButton(pluginID string, opts Options) {
	r.register(pluginID, KindToolbarButton, opts)
}

// RegisterWidget registers a widget contribution
func (r *ExtensionRegistry) RegisterWidget(pluginID string, opts Options) {
	r.register(pluginID, KindWidget, opts)
}

// register is idempotent per (pluginID, optionsID): re-registering replaces
// the existing contribution in place, never duplicates it.
func (r *ExtensionRegistry) register(pluginID string, kind ExtensionKind, opts Options) {
	r.mu.Lock()
	contribution := Contribution{PluginID: pluginID, Kind: kind, Options: opts}
	replaced := false
	list := r.byKind[kind]
	for i := range list {
		if list[i].PluginID == pluginID && list[i].Options.ID == opts.ID {
			list[i] = contribution
			replaced = true
			break
		}
	}
	if !replaced {
		r.byKind[kind] = append(list, contribution)
	}
	r.markDirtyLocked()
	r.mu.Unlock()

	r.logger.Debug().
		Str("plugin", pluginID).
		Str("kind", string(kind)).
		Str("options", opts.ID).
		Bool("replaced", replaced).
		Msg("Registered contribution")

	r.notifyIfIdle()
}

// WithdrawAll removes every contribution owned by a plugin id. The removal
// is visible to snapshot readers before WithdrawAll returns.
func (r *ExtensionRegistry) WithdrawAll(pluginID string) {
	r.mu.Lock()
	removed := 0
	for kind, list := range r.byKind {
		kept := list[:0]
		for _, c := range list {
			if c.PluginID == pluginID {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		r.byKind[kind] = kept
	}
	if removed > 0 {
		r.markDirtyLocked()
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug().Str("plugin", pluginID).Int("removed", removed).Msg("Withdrew contributions")
		r.notifyIfIdle()
	}
}

// SidebarModes returns a snapshot of sidebar mode contributions in stable
// registration order.
func (r *ExtensionRegistry) SidebarModes() []Contribution {
	return r.snapshot(KindSidebarMode)
}

// ToolbarButtons returns a snapshot of toolbar button contributions
func (r *ExtensionRegistry) ToolbarButtons() []Contribution {
	return r.snapshot(KindToolbarButton)
}

// Widgets returns a snapshot of widget contributions
func (r *ExtensionRegistry) Widgets() []Contribution {
	return r.snapshot(KindWidget)
}

// snapshot returns a copy; later registry mutations never touch a list a
// caller already holds.
func (r *ExtensionRegistry) snapshot(kind ExtensionKind) []Contribution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byKind[kind]
	out := make([]Contribution, len(list))
	copy(out, list)
	return out
}

// OnChange subscribes to registry mutations. The callback fires once per
// logical batch, after the mutation has committed. The returned function
// removes the subscription.
func (r *ExtensionRegistry) OnChange(fn func()) func() {
	id := gonanoid.Must()
	r.mu.Lock()
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Batch groups several registry mutations into one logical operation so a
// multi-point install notifies subscribers once, not once per point.
func (r *ExtensionRegistry) Batch(fn func()) {
	r.mu.Lock()
	r.batchDepth++
	r.mu.Unlock()

	fn()

	r.mu.Lock()
	r.batchDepth--
	fire := r.batchDepth == 0 && r.dirty
	if fire {
		r.dirty = false
	}
	r.mu.Unlock()

	if fire {
		r.notify()
	}
}

func (r *ExtensionRegistry) markDirtyLocked() {
	r.dirty = true
}

// notifyIfIdle fires subscribers for a standalone mutation; mutations made
// inside Batch defer to the batch commit.
func (r *ExtensionRegistry) notifyIfIdle() {
	r.mu.Lock()
	fire := r.batchDepth == 0 && r.dirty
	if fire {
		r.dirty = false
	}
	r.mu.Unlock()

	if fire {
		r.notify()
	}
}

func (r *ExtensionRegistry) notify() {
	r.mu.RLock()
	fns := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
