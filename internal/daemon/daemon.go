package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/logger"
	"github.com/lecternhq/lectern/internal/metrics"
	"github.com/lecternhq/lectern/internal/tracing"
	"github.com/lecternhq/lectern/pkg/gateway"
	"github.com/lecternhq/lectern/pkg/plugin"
	"github.com/lecternhq/lectern/pkg/plugin/builtin"
)

// Daemon represents the Lectern daemon
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	metrics   *metrics.Metrics
	store     *plugin.Store
	feed      *plugin.FeedClient
	acquirer  *plugin.Acquirer
	registry  *plugin.ExtensionRegistry
	validator *plugin.Validator
	manager   *plugin.Manager

	// Services
	gatewayServer *gateway.Server
	scheduler     *cron.Cron
	dropinWatcher *dropinWatcher

	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status describes the daemon's runtime state
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// New creates a new daemon instance
func New(cfg *config.Config) (*Daemon, error) {
	log, err := logger.New(logger.Config{
		Level:    cfg.Logging.Level,
		File:     cfg.Logging.File,
		Console:  true,
		Pretty:   true,
		MaxSize:  cfg.Logging.MaxSize,
		MaxAge:   cfg.Logging.MaxAge,
		Compress: cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := tracing.InitOpenTelemetry("lectern"); err != nil {
		log.Warn().Err(err).Msg("Tracing initialization failed, continuing without it")
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		log.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		d.store.Close()
		log.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules initializes the plugin runtime in dependency order
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	for _, dir := range []string{cfg.DataDir, cfg.DocumentsDir, cfg.Plugins.Dir, cfg.Plugins.DropinsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	d.metrics = metrics.NewMetrics()

	store, err := plugin.OpenStore(filepath.Join(cfg.DataDir, "plugins.db"), zl)
	if err != nil {
		return fmt.Errorf("failed to open plugin store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("path", filepath.Join(cfg.DataDir, "plugins.db")).Msg("Plugin store opened")

	if cfg.Registry.URL != "" {
		feedCfg := plugin.DefaultFeedClientConfig(cfg.Registry.URL)
		if cfg.Registry.CacheTTLMinutes > 0 {
			feedCfg.CacheTTL = time.Duration(cfg.Registry.CacheTTLMinutes) * time.Minute
		}
		d.feed = plugin.NewFeedClient(feedCfg, zl)
		d.logger.Info().Str("url", cfg.Registry.URL).Msg("Plugin registry configured")
	}

	acqCfg := plugin.DefaultAcquirerConfig()
	if cfg.Plugins.MaxPackageSizeMB > 0 {
		acqCfg.MaxPackageBytes = int64(cfg.Plugins.MaxPackageSizeMB) << 20
	}
	if cfg.Plugins.FetchTimeoutSecs > 0 {
		acqCfg.FetchTimeout = time.Duration(cfg.Plugins.FetchTimeoutSecs) * time.Second
	}
	d.acquirer = plugin.NewAcquirer(acqCfg, d.feed, zl)

	d.registry = plugin.NewExtensionRegistry(zl)
	d.validator = plugin.NewValidator(zl)

	bundled := builtin.All()
	resolver := plugin.ResolverChain{
		builtin.NewResolver(bundled),
		plugin.NewDirResolver(cfg.Plugins.Dir),
	}

	d.manager = plugin.NewManager(
		plugin.ManagerConfig{
			PluginsDir:       cfg.Plugins.Dir,
			PublicAccessMode: cfg.Plugins.PublicAccessMode,
		},
		d.store, d.registry, d.acquirer, d.validator, resolver, zl,
	)
	d.manager.OnRenderFailure = func(pluginID string) {
		d.metrics.RenderFailures.WithLabelValues(pluginID).Inc()
	}
	d.manager.OnAcquireFailure = func(source string) {
		d.metrics.AcquisitionErrors.WithLabelValues(source).Inc()
	}

	for _, b := range bundled {
		if err := d.manager.RegisterBundled(b.Manifest); err != nil {
			return fmt.Errorf("failed to register bundled plugin %s: %w", b.Manifest.ID, err)
		}
	}

	if err := d.manager.LoadInstalled(); err != nil {
		return fmt.Errorf("failed to load installed plugins: %w", err)
	}

	d.unsubscribe = d.manager.Subscribe(func(plugin.Change) {
		d.updateGauges()
	})
	d.updateGauges()

	d.logger.Info().Msg("Plugin runtime initialized")
	return nil
}

// initializeServices initializes the gateway and background services
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	apiFactory := plugin.NewAPIFactory(d.hostFuncs(), zl)

	server, err := gateway.NewServer(gateway.Config{
		Host:             cfg.Gateway.Host,
		Port:             cfg.Gateway.Port,
		SharedSecret:     cfg.Gateway.SharedSecret,
		PublicAccessMode: cfg.Plugins.PublicAccessMode,
		Manager:          d.manager,
		APIFactory:       apiFactory,
		Feed:             d.feed,
		Metrics:          d.metrics,
		Logger:           zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	d.gatewayServer = server

	if d.feed != nil && cfg.Registry.RefreshSchedule != "" {
		d.scheduler = cron.New()
		_, err := d.scheduler.AddFunc(cfg.Registry.RefreshSchedule, func() {
			ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
			defer cancel()

			if err := d.feed.Refresh(ctx, true); err != nil {
				d.metrics.FeedRefreshErrors.Inc()
				d.logger.Warn().Err(err).Msg("Scheduled feed refresh failed")
				return
			}
			d.metrics.FeedRefreshesTotal.Inc()
		})
		if err != nil {
			return fmt.Errorf("invalid refresh schedule: %w", err)
		}
	}

	watcher, err := newDropinWatcher(cfg.Plugins.DropinsDir, d.manager, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dropin watcher: %w", err)
	}
	d.dropinWatcher = watcher

	return nil
}

// hostFuncs builds the capability closures handed to plugin APIs
func (d *Daemon) hostFuncs() plugin.HostFuncs {
	docsDir := d.config.DocumentsDir

	return plugin.HostFuncs{
		WriteSettings: func(pluginID string, settings map[string]any) error {
			return d.manager.UpdateSettings(pluginID, settings)
		},
		Navigate: func(target string) error {
			d.gatewayServer.Broadcast("viewer.navigate", map[string]any{"target": target})
			return nil
		},
		ReadDocument: func(path string) (string, error) {
			full := filepath.Join(docsDir, filepath.Clean("/"+path))
			data, err := os.ReadFile(full)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		Notify: func(pluginID, message string) {
			d.gatewayServer.Broadcast("viewer.notify", map[string]any{
				"pluginId": pluginID,
				"message":  message,
			})
		},
	}
}

func (d *Daemon) updateGauges() {
	states, err := d.store.GetAll()
	if err != nil {
		return
	}
	enabled := 0
	for _, s := range states {
		if s.Enabled {
			enabled++
		}
	}
	d.metrics.PluginsInstalled.Set(float64(len(states)))
	d.metrics.PluginsEnabled.Set(float64(enabled))
}

// Start starts the daemon services
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if d.scheduler != nil {
		d.scheduler.Start()
	}

	if err := d.dropinWatcher.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start dropin watcher: %w", err)
	}

	d.startTime = time.Now()
	d.running = true
	d.logger.Info().Msg("Daemon started")

	return nil
}

// Stop stops the daemon services in reverse order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.logger.Info().Msg("Stopping daemon")
	d.cancel()

	d.dropinWatcher.Stop()

	if d.scheduler != nil {
		schedCtx := d.scheduler.Stop()
		select {
		case <-schedCtx.Done():
		case <-time.After(10 * time.Second):
			d.logger.Warn().Msg("Scheduler jobs did not finish in time")
		}
	}

	if err := d.gatewayServer.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Gateway shutdown error")
	}

	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Store close error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Tracing shutdown error")
	}

	d.running = false
	d.logger.Info().Msg("Daemon stopped")
	return d.logger.Close()
}

// Status returns the daemon's runtime state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Status{
		Running:   d.running,
		StartTime: d.startTime,
	}
	if d.running {
		s.Uptime = time.Since(d.startTime)
	}
	return s
}

// Manager exposes the plugin manager, used by tests and the CLI
func (d *Daemon) Manager() *plugin.Manager {
	return d.manager
}

// Logger returns a component logger
func (d *Daemon) Logger() zerolog.Logger {
	return d.logger.GetZerolog()
}
