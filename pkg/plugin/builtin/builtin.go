// Package builtin holds the plugins that ship with the host. They go
// through the same store and registry as user-installed plugins but are
// flagged bundled, which makes them uninstallable only by shipping a new
// host build.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/lecternhq/lectern/pkg/plugin"
)

// Plugin pairs a bundled manifest with the Go render functions backing its
// extension points, keyed by optionsId.
type Plugin struct {
	Manifest  *plugin.Manifest
	Renderers map[string]plugin.RenderFunc
}

// All returns every plugin bundled with this host build
func All() []Plugin {
	return []Plugin{outline(), wordCount(), printButton()}
}

// Resolver binds bundled extension points to their compiled-in render
// functions. It only answers for plugins it knows; anything else falls
// through to the next resolver in the chain.
type Resolver struct {
	renderers map[string]plugin.RenderFunc // "<pluginID>/<optionsID>"
}

// NewResolver creates a resolver over the given bundled plugins
func NewResolver(bundled []Plugin) *Resolver {
	renderers := make(map[string]plugin.RenderFunc)
	for _, b := range bundled {
		for optionsID, fn := range b.Renderers {
			renderers[b.Manifest.ID+"/"+optionsID] = fn
		}
	}
	return &Resolver{renderers: renderers}
}

// Resolve implements plugin.Resolver
func (r *Resolver) Resolve(manifest *plugin.Manifest, point plugin.ExtensionPoint) (plugin.RenderFunc, error) {
	fn, ok := r.renderers[manifest.ID+"/"+point.OptionsID]
	if !ok {
		return nil, fmt.Errorf("no bundled renderer for %s/%s", manifest.ID, point.OptionsID)
	}
	return fn, nil
}

func outline() Plugin {
	manifest := &plugin.Manifest{
		ID:          "outline",
		Name:        "Outline",
		Version:     "1.2.0",
		Description: "Heading outline for the current document",
		Capabilities: []plugin.Capability{
			plugin.CapabilityDocumentsRead,
			plugin.CapabilityNavigation,
		},
		ExtensionPoints: []plugin.ExtensionPoint{
			{Kind: plugin.KindSidebarMode, OptionsID: "outline-sidebar", Label: "Outline", Icon: "list", Entry: "builtin"},
		},
	}

	render := func(ctx context.Context, api *plugin.API) (string, error) {
		source, err := api.ReadDocument(ctx, "")
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("<nav class=\"outline\">")
		for _, line := range strings.Split(source, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "#") {
				continue
			}
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			fmt.Fprintf(&b, "<a data-level=\"%d\">%s</a>", level, title)
		}
		b.WriteString("</nav>")
		return b.String(), nil
	}

	return Plugin{
		Manifest:  manifest,
		Renderers: map[string]plugin.RenderFunc{"outline-sidebar": render},
	}
}

func wordCount() Plugin {
	manifest := &plugin.Manifest{
		ID:          "word-count",
		Name:        "Word Count",
		Version:     "1.0.1",
		Description: "Word and character count for the current document",
		Capabilities: []plugin.Capability{
			plugin.CapabilityDocumentsRead,
			plugin.CapabilitySettingsRead,
		},
		ExtensionPoints: []plugin.ExtensionPoint{
			{Kind: plugin.KindWidget, OptionsID: "word-count-widget", Label: "Word Count", Icon: "hash", Entry: "builtin"},
		},
	}

	render := func(ctx context.Context, api *plugin.API) (string, error) {
		source, err := api.ReadDocument(ctx, "")
		if err != nil {
			return "", err
		}
		words := len(strings.Fields(source))
		return fmt.Sprintf("<span class=\"word-count\">%d words, %d chars</span>", words, len(source)), nil
	}

	return Plugin{
		Manifest:  manifest,
		Renderers: map[string]plugin.RenderFunc{"word-count-widget": render},
	}
}

func printButton() Plugin {
	manifest := &plugin.Manifest{
		ID:          "print",
		Name:        "Print",
		Version:     "1.0.0",
		Description: "Print the current document",
		Capabilities: []plugin.Capability{
			plugin.CapabilityNotifications,
		},
		ExtensionPoints: []plugin.ExtensionPoint{
			{Kind: plugin.KindToolbarButton, OptionsID: "print-button", Label: "Print", Icon: "printer", Entry: "builtin"},
		},
	}

	render := func(ctx context.Context, api *plugin.API) (string, error) {
		return "<button data-action=\"print\">Print</button>", nil
	}

	return Plugin{
		Manifest:  manifest,
		Renderers: map[string]plugin.RenderFunc{"print-button": render},
	}
}
