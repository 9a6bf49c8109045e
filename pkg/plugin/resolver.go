package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Resolver binds a manifest-declared extension point to host-invokable
// render logic. The host only ever sees the resulting RenderFunc.
type Resolver interface {
	Resolve(manifest *Manifest, point ExtensionPoint) (RenderFunc, error)
}

// ResolverChain tries each resolver in order and returns the first binding
type ResolverChain []Resolver

// Resolve implements Resolver
func (c ResolverChain) Resolve(manifest *Manifest, point ExtensionPoint) (RenderFunc, error) {
	var lastErr error
	for _, r := range c {
		fn, err := r.Resolve(manifest, point)
		if err == nil {
			return fn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver for extension point %q", point.OptionsID)
	}
	return nil, lastErr
}

// DirResolver binds extension points of installed packages by reading the
// declared entry file from the plugin's install directory. The entry is a
// view fragment the host viewer injects as-is; reading happens at render
// time so a reinstalled package is picked up without rebinding.
type DirResolver struct {
	pluginsDir string
}

// NewDirResolver creates a resolver rooted at the plugin install directory
func NewDirResolver(pluginsDir string) *DirResolver {
	return &DirResolver{pluginsDir: pluginsDir}
}

// Resolve implements Resolver
func (d *DirResolver) Resolve(manifest *Manifest, point ExtensionPoint) (RenderFunc, error) {
	entryPath := filepath.Join(d.pluginsDir, manifest.ID, filepath.FromSlash(point.Entry))
	if _, err := os.Stat(entryPath); err != nil {
		return nil, fmt.Errorf("entry %q not installed for plugin %s: %w", point.Entry, manifest.ID, err)
	}

	return func(ctx context.Context, api *API) (string, error) {
		content, err := os.ReadFile(entryPath)
		if err != nil {
			return "", fmt.Errorf("reading entry %q: %w", point.Entry, err)
		}
		return string(content), nil
	}, nil
}

// stagePackageFiles writes a package's files into a temporary directory
// next to the final install location. A failed install throws the staging
// directory away without touching whatever is already on disk.
func stagePackageFiles(dir string, pkg *Package) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	staging, err := os.MkdirTemp(dir, "."+pkg.Manifest.ID+"-stage-")
	if err != nil {
		return "", err
	}
	for name, content := range pkg.Files {
		dest := filepath.Join(staging, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			os.RemoveAll(staging)
			return "", err
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			os.RemoveAll(staging)
			return "", err
		}
	}
	return staging, nil
}

// commitPackageFiles swaps a staged package into dir/<plugin-id>/,
// replacing any previous install of the same id.
func commitPackageFiles(staging, dir, pluginID string) error {
	root := filepath.Join(dir, pluginID)
	if err := os.RemoveAll(root); err != nil {
		return err
	}
	return os.Rename(staging, root)
}

// removePackageFiles deletes a plugin's install directory
func removePackageFiles(dir, pluginID string) error {
	return os.RemoveAll(filepath.Join(dir, pluginID))
}
