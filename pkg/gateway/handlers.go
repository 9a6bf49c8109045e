package gateway

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lecternhq/lectern/internal/tracing"
	"github.com/lecternhq/lectern/pkg/plugin"
)

// callerAddr strips the ephemeral port so rate limits key on the host
func callerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pluginView is the JSON shape of an installed plugin record
type pluginView struct {
	Manifest    *plugin.Manifest `json:"manifest"`
	Enabled     bool             `json:"enabled"`
	Bundled     bool             `json:"bundled"`
	Settings    map[string]any   `json:"settings,omitempty"`
	InstalledAt time.Time        `json:"installedAt"`
}

// contributionView is the JSON shape of a published extension point
type contributionView struct {
	PluginID  string `json:"pluginId"`
	Kind      string `json:"kind"`
	OptionsID string `json:"optionsId"`
	Label     string `json:"label,omitempty"`
	Icon      string `json:"icon,omitempty"`
}

type auditView struct {
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// withAuth checks the shared secret header before invoking the handler
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authHandler.VerifySecret(r.Header.Get("X-Lectern-Secret")) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		next(w, r.WithContext(tracing.NewRequestContext(r.Context())))
	}
}

// withMutation adds public access mode and rate limit checks on top of auth
func (s *Server) withMutation(next http.HandlerFunc) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.publicAccessMode {
			writeError(w, http.StatusForbidden, "plugin management is disabled in public access mode")
			return
		}

		limiter := s.limiters.get(callerAddr(r))
		if allowed, reason := limiter.CheckRequestAllowed(); !allowed {
			writeError(w, http.StatusTooManyRequests, reason)
			return
		}
		limiter.RecordRequestStart()
		defer limiter.RecordRequestEnd()

		next(w, r)
	})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	states, err := s.manager.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]pluginView, 0, len(states))
	for _, st := range states {
		views = append(views, pluginView{
			Manifest:    st.Manifest,
			Enabled:     st.Enabled,
			Bundled:     st.Bundled,
			Settings:    st.Settings,
			InstalledAt: st.InstalledAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleInstallURL(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"url\": ...}")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "gateway", "plugin.install",
		attribute.String("source", "url"))
	defer span.End()

	started := time.Now()
	result := s.manager.InstallFromURL(ctx, req.URL)
	s.recordInstall("url", result, time.Since(started))
	writeInstallResult(w, result)
}

func (s *Server) handleInstallArchive(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read archive body")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "gateway", "plugin.install",
		attribute.String("source", "archive"))
	defer span.End()

	started := time.Now()
	result := s.manager.InstallFromArchive(ctx, data)
	s.recordInstall("archive", result, time.Since(started))
	writeInstallResult(w, result)
}

func (s *Server) handleInstallRegistry(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"id\": ...}")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "gateway", "plugin.install",
		attribute.String("source", "registry"), attribute.String("plugin.id", req.ID))
	defer span.End()

	started := time.Now()
	result := s.manager.InstallFromRegistry(ctx, req.ID)
	s.recordInstall("registry", result, time.Since(started))
	writeInstallResult(w, result)
}

func (s *Server) recordInstall(source string, result *plugin.InstallResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if !result.Success {
		status = "failure"
	}
	s.metrics.InstallsTotal.WithLabelValues(source, status).Inc()
	s.metrics.InstallDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Toggle(id); err != nil {
		writePluginError(w, err)
		return
	}

	state, err := s.manager.Get(id)
	if err != nil {
		writePluginError(w, err)
		return
	}

	if s.metrics != nil {
		to := "disabled"
		if state.Enabled {
			to = "enabled"
		}
		s.metrics.TogglesTotal.WithLabelValues(to).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": state.Enabled})
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Uninstall(id); err != nil {
		writePluginError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.UninstallsTotal.Inc()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a settings object")
		return
	}

	if err := s.manager.UpdateSettings(id, settings); err != nil {
		writePluginError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manager.Audit(r.PathValue("id"), 50)
	if err != nil {
		writePluginError(w, err)
		return
	}

	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{Action: e.Action, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSidebarModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, contributionViews(s.manager.Registry().SidebarModes()))
}

func (s *Server) handleToolbarButtons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, contributionViews(s.manager.Registry().ToolbarButtons()))
}

func (s *Server) handleWidgets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, contributionViews(s.manager.Registry().Widgets()))
}

func (s *Server) handleRegistryList(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "no plugin registry configured")
		return
	}

	if err := s.feed.Refresh(r.Context(), false); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Plugins())
}

func (s *Server) handleRegistryRefresh(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "no plugin registry configured")
		return
	}

	if err := s.feed.Refresh(r.Context(), true); err != nil {
		if s.metrics != nil {
			s.metrics.FeedRefreshErrors.Inc()
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.FeedRefreshesTotal.Inc()
	}
	writeJSON(w, http.StatusOK, s.feed.Plugins())
}

func contributionViews(contribs []plugin.Contribution) []contributionView {
	views := make([]contributionView, 0, len(contribs))
	for _, c := range contribs {
		views = append(views, contributionView{
			PluginID:  c.PluginID,
			Kind:      string(c.Kind),
			OptionsID: c.Options.ID,
			Label:     c.Options.Label,
			Icon:      c.Options.Icon,
		})
	}
	return views
}

func writeInstallResult(w http.ResponseWriter, result *plugin.InstallResult) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// writePluginError maps the plugin error taxonomy onto HTTP statuses
func writePluginError(w http.ResponseWriter, err error) {
	switch {
	case err == plugin.ErrNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case plugin.IsForbidden(err):
		writeError(w, http.StatusForbidden, err.Error())
	case plugin.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
