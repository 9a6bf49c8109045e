package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 16, cfg.Plugins.MaxPackageSizeMB)
	assert.Equal(t, 30, cfg.Plugins.FetchTimeoutSecs)
	assert.False(t, cfg.Plugins.PublicAccessMode)
	assert.Equal(t, "@every 6h", cfg.Registry.RefreshSchedule)
	assert.Equal(t, 15, cfg.Registry.CacheTTLMinutes)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8484, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Gateway.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "registry url must be http",
			mutate:  func(c *Config) { c.Registry.URL = "ftp://feed.example.com" },
			wantErr: "http(s)",
		},
		{
			name:   "https registry url is fine",
			mutate: func(c *Config) { c.Registry.URL = "https://plugins.example.com/feed.json" },
		},
		{
			name:    "zero package size",
			mutate:  func(c *Config) { c.Plugins.MaxPackageSizeMB = 0 },
			wantErr: "max_package_size_mb",
		},
		{
			name:    "zero fetch timeout",
			mutate:  func(c *Config) { c.Plugins.FetchTimeoutSecs = 0 },
			wantErr: "fetch_timeout_secs",
		},
		{
			name:    "bogus log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()

	assert.Contains(t, s, "gateway")
	assert.Contains(t, s, "8484")
}
