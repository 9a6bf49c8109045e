package gateway

import (
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lecternhq/lectern/internal/tracing"
	"github.com/lecternhq/lectern/pkg/plugin"
)

// boundaryCache keeps one isolation boundary per published contribution so
// the tripped state survives across requests.
type boundaryCache struct {
	mu         sync.Mutex
	boundaries map[string]*plugin.Boundary
}

func newBoundaryCache() *boundaryCache {
	return &boundaryCache{
		boundaries: make(map[string]*plugin.Boundary),
	}
}

func (c *boundaryCache) get(key string, build func() *plugin.Boundary) *plugin.Boundary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.boundaries[key]; ok {
		return b
	}
	b := build()
	c.boundaries[key] = b
	return b
}

// reset drops all cached boundaries. Called when the contribution set
// changes so withdrawn extensions cannot be rendered from a stale handle.
func (c *boundaryCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boundaries = make(map[string]*plugin.Boundary)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if s.apiFactory == nil {
		writeError(w, http.StatusNotFound, "rendering is not wired on this gateway")
		return
	}

	pluginID := r.PathValue("id")
	optionsID := r.PathValue("optionsId")

	contribution, ok := s.findContribution(pluginID, optionsID)
	if !ok {
		writeError(w, http.StatusNotFound, "no such extension")
		return
	}

	state, err := s.manager.Get(pluginID)
	if err != nil {
		writePluginError(w, err)
		return
	}

	boundary := s.boundaries.get(pluginID+"/"+optionsID, func() *plugin.Boundary {
		return s.manager.WrapContribution(contribution)
	})

	ctx, span := tracing.StartSpan(tracing.WithPluginID(r.Context(), pluginID),
		"gateway", "extension.render",
		attribute.String("plugin.id", pluginID), attribute.String("options.id", optionsID))
	defer span.End()

	api := s.apiFactory.NewAPI(state.Manifest, s.manager.SettingsGetter(pluginID))
	started := time.Now()
	html, err := boundary.Render(ctx, api)
	if s.metrics != nil {
		s.metrics.RenderDuration.WithLabelValues(string(contribution.Kind)).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RenderFailures.WithLabelValues(pluginID).Inc()
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"tripped": boundary.Tripped(),
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

func (s *Server) handleRenderRetry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id") + "/" + r.PathValue("optionsId")

	s.boundaries.mu.Lock()
	boundary, ok := s.boundaries.boundaries[key]
	s.boundaries.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "no such extension")
		return
	}

	boundary.Retry()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) findContribution(pluginID, optionsID string) (plugin.Contribution, bool) {
	registry := s.manager.Registry()
	for _, list := range [][]plugin.Contribution{
		registry.SidebarModes(),
		registry.ToolbarButtons(),
		registry.Widgets(),
	} {
		for _, c := range list {
			if c.PluginID == pluginID && c.Options.ID == optionsID {
				return c, true
			}
		}
	}
	return plugin.Contribution{}, false
}
