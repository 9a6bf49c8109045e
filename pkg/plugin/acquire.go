package plugin

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// acceptedContentTypes are the content types a plugin package download may
// carry. Empty content type is tolerated since some registries omit it.
var acceptedContentTypes = map[string]bool{
	"application/zip":          true,
	"application/x-zip":        true,
	"application/octet-stream": true,
}

// AcquirerConfig configures package acquisition limits
type AcquirerConfig struct {
	// MaxPackageBytes caps both the downloaded archive and its
	// uncompressed contents.
	MaxPackageBytes int64
	// FetchTimeout bounds a single fetch when the caller's context does
	// not carry its own deadline.
	FetchTimeout time.Duration
}

// DefaultAcquirerConfig returns the default acquisition limits
func DefaultAcquirerConfig() AcquirerConfig {
	return AcquirerConfig{
		MaxPackageBytes: 16 << 20, // 16 MiB
		FetchTimeout:    30 * time.Second,
	}
}

// Acquirer fetches plugin packages from remote URLs, uploaded archives and
// the curated registry feed. It never touches the plugin store; all three
// entry points produce a Package for the shared validation + install path.
type Acquirer struct {
	config AcquirerConfig
	client *http.Client
	feed   *FeedClient
	logger zerolog.Logger
}

// NewAcquirer creates a new package acquirer
func NewAcquirer(config AcquirerConfig, feed *FeedClient, logger zerolog.Logger) *Acquirer {
	return &Acquirer{
		config: config,
		client: &http.Client{},
		feed:   feed,
		logger: logger.With().Str("component", "acquirer").Logger(),
	}
}

// FetchFromURL downloads a plugin archive and unpacks it. Non-2xx status,
// unexpected content type, oversized payloads and timeouts all surface as
// AcquisitionError; the caller may retry.
func (a *Acquirer) FetchFromURL(ctx context.Context, url string) (*Package, error) {
	return a.fetch(ctx, url, "url")
}

// FetchFromArchive unpacks an uploaded archive held in memory
func (a *Acquirer) FetchFromArchive(data []byte) (*Package, error) {
	return a.unpack(data, "archive")
}

// FetchFromRegistry resolves a plugin id against the registry feed and
// downloads the advertised package.
func (a *Acquirer) FetchFromRegistry(ctx context.Context, pluginID string) (*Package, error) {
	if a.feed == nil {
		return nil, &AcquisitionError{Source: "registry", Reason: "no registry feed configured"}
	}
	entry, err := a.feed.Resolve(ctx, pluginID)
	if err != nil {
		return nil, &AcquisitionError{Source: "registry", Reason: "feed resolution failed", Err: err}
	}
	return a.fetch(ctx, entry.DownloadURL, "registry")
}

func (a *Acquirer) fetch(ctx context.Context, url, source string) (*Package, error) {
	if _, ok := ctx.Deadline(); !ok && a.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &AcquisitionError{Source: source, Reason: "invalid url", Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AcquisitionError{Source: source, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AcquisitionError{
			Source: source,
			Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if base, _, found := strings.Cut(contentType, ";"); found {
		contentType = base
	}
	contentType = strings.TrimSpace(contentType)
	if contentType != "" && !acceptedContentTypes[contentType] {
		return nil, &AcquisitionError{
			Source: source,
			Reason: fmt.Sprintf("unexpected content type %q", contentType),
		}
	}

	// Read one byte past the ceiling so overflow is detectable
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxPackageBytes+1))
	if err != nil {
		return nil, &AcquisitionError{Source: source, Reason: "download failed", Err: err}
	}
	if int64(len(data)) > a.config.MaxPackageBytes {
		return nil, &AcquisitionError{
			Source: source,
			Reason: fmt.Sprintf("package exceeds size ceiling of %d bytes", a.config.MaxPackageBytes),
		}
	}

	a.logger.Debug().
		Str("source", source).
		Str("url", url).
		Int("bytes", len(data)).
		Msg("Downloaded plugin package")

	return a.unpack(data, source)
}

// unpack extracts an in-memory zip archive into a Package. Entry names are
// checked for path traversal before any content is read.
func (a *Acquirer) unpack(data []byte, source string) (*Package, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &AcquisitionError{Source: source, Reason: "corrupt archive", Err: err}
	}

	files := make(map[string][]byte)
	var total int64

	for _, entry := range reader.File {
		name := entry.Name
		if entry.FileInfo().IsDir() {
			continue
		}
		if err := checkEntryName(name); err != nil {
			return nil, &AcquisitionError{Source: source, Reason: "unsafe archive entry", Err: err}
		}

		total += int64(entry.UncompressedSize64)
		if total > a.config.MaxPackageBytes {
			return nil, &AcquisitionError{
				Source: source,
				Reason: fmt.Sprintf("uncompressed package exceeds size ceiling of %d bytes", a.config.MaxPackageBytes),
			}
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, &AcquisitionError{Source: source, Reason: "corrupt archive entry", Err: err}
		}
		content, err := io.ReadAll(io.LimitReader(rc, a.config.MaxPackageBytes+1))
		rc.Close()
		if err != nil {
			return nil, &AcquisitionError{Source: source, Reason: "corrupt archive entry", Err: err}
		}
		if int64(len(content)) > a.config.MaxPackageBytes {
			return nil, &AcquisitionError{
				Source: source,
				Reason: fmt.Sprintf("archive entry %q exceeds size ceiling", name),
			}
		}

		files[path.Clean(name)] = content
	}

	if _, ok := files[ManifestFileName]; !ok {
		return nil, &AcquisitionError{
			Source: source,
			Reason: fmt.Sprintf("archive does not contain %s", ManifestFileName),
		}
	}

	return &Package{Files: files}, nil
}

// checkEntryName rejects archive entry names that would escape the package
// root when extracted.
func checkEntryName(name string) error {
	if name == "" {
		return errors.New("empty entry name")
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("absolute entry name %q", name)
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("backslash in entry name %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("entry name %q escapes package root", name)
	}
	return nil
}
