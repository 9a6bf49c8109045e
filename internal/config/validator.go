package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRegistryURL validates a plugin registry feed URL
func (v *Validator) ValidateRegistryURL(raw string) error {
	if raw == "" {
		return nil // registry is optional
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid registry URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("registry URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("registry URL is missing a host")
	}

	return nil
}

// ValidateRefreshSchedule validates a cron expression for feed refresh
func (v *Validator) ValidateRefreshSchedule(expr string) error {
	if expr == "" {
		return nil
	}

	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
	}

	return nil
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateDataDir checks the data directory is usable
func (v *Validator) ValidateDataDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("data directory must be an absolute path, got %q", dir)
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil // created on daemon start
	}
	if err != nil {
		return fmt.Errorf("failed to stat data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %q is a file", dir)
	}

	return nil
}

var sharedSecretPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,}$`)

// ValidateSharedSecret validates the gateway shared secret, when set
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return nil
	}

	if !sharedSecretPattern.MatchString(secret) {
		return fmt.Errorf("shared secret must be at least 16 characters of [A-Za-z0-9_-]")
	}

	return nil
}

// ValidateConfig runs all field validators over a config
func (v *Validator) ValidateConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := v.ValidateRegistryURL(cfg.Registry.URL); err != nil {
		return err
	}
	if err := v.ValidateRefreshSchedule(cfg.Registry.RefreshSchedule); err != nil {
		return err
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		return err
	}
	if err := v.ValidateSharedSecret(cfg.Gateway.SharedSecret); err != nil {
		return err
	}
	if cfg.DataDir != "" {
		if err := v.ValidateDataDir(cfg.DataDir); err != nil {
			return err
		}
	}
	return nil
}
