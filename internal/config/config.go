package config

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Config represents the main Lectern configuration
type Config struct {
	// Data directory (store, plugin files, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Documents root served by the viewer
	DocumentsDir string `json:"documents_dir" mapstructure:"documents_dir"`

	// Plugin runtime configuration
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Registry feed configuration
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway server configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
}

// PluginsConfig holds plugin runtime settings
type PluginsConfig struct {
	// Dir is where installed plugin packages are unpacked.
	// Defaults to <data_dir>/plugins.
	Dir string `json:"dir" mapstructure:"dir"`

	// DropinsDir is watched for plugin archives to auto-install.
	// Defaults to <data_dir>/dropins.
	DropinsDir string `json:"dropins_dir" mapstructure:"dropins_dir"`

	// PublicAccessMode freezes the installed plugin set: install,
	// uninstall and toggle are refused.
	PublicAccessMode bool `json:"public_access_mode" mapstructure:"public_access_mode"`

	MaxPackageSizeMB int `json:"max_package_size_mb" mapstructure:"max_package_size_mb"`
	FetchTimeoutSecs int `json:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// RegistryConfig holds registry feed settings
type RegistryConfig struct {
	URL string `json:"url" mapstructure:"url"`

	// RefreshSchedule is a cron expression for background feed refresh.
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"`

	CacheTTLMinutes int `json:"cache_ttl_minutes" mapstructure:"cache_ttl_minutes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `json:"level" mapstructure:"level"`
	File     string `json:"file" mapstructure:"file"`
	MaxSize  int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge   int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress bool   `json:"compress" mapstructure:"compress"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Plugins: PluginsConfig{
			MaxPackageSizeMB: 16,
			FetchTimeoutSecs: 30,
		},
		Registry: RegistryConfig{
			RefreshSchedule: "@every 6h",
			CacheTTLMinutes: 15,
		},
		Logging: LoggingConfig{
			Level:    "info",
			MaxSize:  50,
			MaxAge:   7,
			Compress: true,
		},
		Gateway: GatewayConfig{
			Port: 8484,
			Host: "127.0.0.1",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d is out of range", c.Gateway.Port)
	}

	if c.Registry.URL != "" {
		u, err := url.Parse(c.Registry.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("registry url %q must be an http(s) URL", c.Registry.URL)
		}
	}

	if c.Plugins.MaxPackageSizeMB <= 0 {
		return fmt.Errorf("plugins max_package_size_mb must be positive")
	}
	if c.Plugins.FetchTimeoutSecs <= 0 {
		return fmt.Errorf("plugins fetch_timeout_secs must be positive")
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
