package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Lectern Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	applyDerivedPaths(cfg)
	validator := NewValidator()

	// Data directory
	dataDir, err := w.prompt(fmt.Sprintf("Data directory [%s]: ", cfg.DataDir))
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		if err := validator.ValidateDataDir(dataDir); err != nil {
			return nil, err
		}
		cfg.DataDir = dataDir
		cfg.DocumentsDir = ""
		cfg.Plugins.Dir = ""
		cfg.Plugins.DropinsDir = ""
		cfg.Logging.File = ""
		applyDerivedPaths(cfg)
	}

	// Documents directory
	docsDir, err := w.prompt(fmt.Sprintf("Documents directory [%s]: ", cfg.DocumentsDir))
	if err != nil {
		return nil, err
	}
	if docsDir != "" {
		cfg.DocumentsDir = docsDir
	}

	// Plugin registry
	registryURL, err := w.prompt("Plugin registry URL (empty to disable): ")
	if err != nil {
		return nil, err
	}
	if registryURL != "" {
		if err := validator.ValidateRegistryURL(registryURL); err != nil {
			return nil, err
		}
		cfg.Registry.URL = registryURL
	}

	// Gateway port
	portRaw, err := w.prompt(fmt.Sprintf("Gateway port [%d]: ", cfg.Gateway.Port))
	if err != nil {
		return nil, err
	}
	if portRaw != "" {
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
		if err := validator.ValidatePort(port); err != nil {
			return nil, err
		}
		cfg.Gateway.Port = port
	}

	// Public access mode
	public, err := w.promptYesNo("Public access mode (freeze installed plugins)? [y/N]: ")
	if err != nil {
		return nil, err
	}
	cfg.Plugins.PublicAccessMode = public

	fmt.Println()
	fmt.Println("Configuration complete.")

	return cfg, nil
}

func (w *Wizard) prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) promptYesNo(label string) (bool, error) {
	answer, err := w.prompt(label)
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}
