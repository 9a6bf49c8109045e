package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/internal/metrics"
	"github.com/lecternhq/lectern/pkg/plugin"
)

// Server exposes the plugin runtime over REST plus a WebSocket event stream
type Server struct {
	host             string
	port             int
	publicAccessMode bool
	server           *http.Server
	upgrader         websocket.Upgrader
	clients          *ClientRegistry
	authHandler      *AuthHandler
	broadcaster      *EventBroadcaster
	limiters         *limiterPool
	manager          *plugin.Manager
	apiFactory       *plugin.APIFactory
	boundaries       *boundaryCache
	feed             *plugin.FeedClient
	metrics          *metrics.Metrics
	logger           zerolog.Logger
	isShuttingDown   bool
	shutdownMu       sync.RWMutex
	inFlightReqs     sync.WaitGroup
	unsubscribes     []func()
}

// Config holds server configuration
type Config struct {
	Host             string
	Port             int
	SharedSecret     string
	PublicAccessMode bool
	Manager          *plugin.Manager
	APIFactory       *plugin.APIFactory
	Feed             *plugin.FeedClient
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("plugin manager is required")
	}

	clients := NewClientRegistry()
	broadcaster := NewEventBroadcaster(clients, cfg.Logger)

	s := &Server{
		host:             cfg.Host,
		port:             cfg.Port,
		publicAccessMode: cfg.PublicAccessMode,
		clients:          clients,
		authHandler:      NewAuthHandler(cfg.SharedSecret),
		broadcaster:      broadcaster,
		limiters:         newLimiterPool(),
		manager:          cfg.Manager,
		apiFactory:       cfg.APIFactory,
		boundaries:       newBoundaryCache(),
		feed:             cfg.Feed,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local gateway, UI decides the origin
			},
		},
	}

	if s.metrics != nil {
		broadcaster.OnSent(func(count int) {
			s.metrics.EventsSentTotal.Add(float64(count))
		})
	}

	return s, nil
}

// Handler returns the full HTTP handler, exposed for tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/plugins", s.withAuth(s.handleListPlugins))
	mux.HandleFunc("POST /api/plugins/install/url", s.withMutation(s.handleInstallURL))
	mux.HandleFunc("POST /api/plugins/install/archive", s.withMutation(s.handleInstallArchive))
	mux.HandleFunc("POST /api/plugins/install/registry", s.withMutation(s.handleInstallRegistry))
	mux.HandleFunc("POST /api/plugins/{id}/toggle", s.withMutation(s.handleToggle))
	mux.HandleFunc("DELETE /api/plugins/{id}", s.withMutation(s.handleUninstall))
	mux.HandleFunc("PUT /api/plugins/{id}/settings", s.withMutation(s.handleUpdateSettings))
	mux.HandleFunc("GET /api/plugins/{id}/audit", s.withAuth(s.handleAudit))

	mux.HandleFunc("GET /api/extensions/{id}/{optionsId}/render", s.withAuth(s.handleRender))
	mux.HandleFunc("POST /api/extensions/{id}/{optionsId}/retry", s.withAuth(s.handleRenderRetry))
	mux.HandleFunc("GET /api/extensions/sidebar", s.withAuth(s.handleSidebarModes))
	mux.HandleFunc("GET /api/extensions/toolbar", s.withAuth(s.handleToolbarButtons))
	mux.HandleFunc("GET /api/extensions/widgets", s.withAuth(s.handleWidgets))

	mux.HandleFunc("GET /api/registry", s.withAuth(s.handleRegistryList))
	mux.HandleFunc("POST /api/registry/refresh", s.withAuth(s.handleRegistryRefresh))

	mux.HandleFunc("GET /api/events", s.handleWebSocket)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	// Forward runtime changes to stream clients
	unsubManager := s.manager.Subscribe(func(c plugin.Change) {
		s.broadcaster.Broadcast("plugins.changed", map[string]interface{}{
			"kind":           string(c.Kind),
			"pluginId":       c.PluginID,
			"errorTriggered": c.ErrorTriggered,
		})
	})
	unsubRegistry := s.manager.Registry().OnChange(func() {
		s.boundaries.reset()
		s.broadcaster.Broadcast("extensions.changed", nil)
	})
	s.unsubscribes = append(s.unsubscribes, unsubManager, unsubRegistry)

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	for _, unsub := range s.unsubscribes {
		unsub()
	}
	s.unsubscribes = nil

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	// Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// handleWebSocket handles event stream connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		State:        StateConnecting,
	}

	s.clients.Add(client)
	if s.metrics != nil {
		s.metrics.EventClientsActive.Inc()
	}

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if s.authHandler.Enabled() {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			conn.Close()
			s.removeClient(clientID)
			return
		}
	} else {
		client.Authenticated = true
		client.State = StateAuthenticated
	}

	go s.handleClient(client)
}

func (s *Server) removeClient(clientID string) {
	if _, ok := s.clients.Get(clientID); ok && s.metrics != nil {
		s.metrics.EventClientsActive.Dec()
	}
	s.clients.Remove(clientID)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	msg := AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	}

	return client.WriteJSON(msg)
}

// handleClient reads messages from a stream client. The stream is
// server-push; the only client-initiated message is the auth response.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.removeClient(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if client.AuthAttempts >= 3 {
			client.Conn.Close()
		}
	} else {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	}
}
