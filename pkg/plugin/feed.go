package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FeedClientConfig configures the registry feed client
type FeedClientConfig struct {
	// URL of the curated registry feed document
	URL string
	// CacheTTL is how long a fetched feed stays fresh
	CacheTTL time.Duration
	// FetchTimeout bounds a single feed fetch
	FetchTimeout time.Duration
}

// DefaultFeedClientConfig returns the default feed client configuration
func DefaultFeedClientConfig(url string) FeedClientConfig {
	return FeedClientConfig{
		URL:          url,
		CacheTTL:     15 * time.Minute,
		FetchTimeout: 15 * time.Second,
	}
}

// FeedClient fetches and caches the curated registry feed. The cache lives
// only for the session; registry entries are never persisted locally.
type FeedClient struct {
	config FeedClientConfig
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	plugins   []RegistryPlugin
	fetchedAt time.Time
}

// NewFeedClient creates a new registry feed client
func NewFeedClient(config FeedClientConfig, logger zerolog.Logger) *FeedClient {
	return &FeedClient{
		config: config,
		client: &http.Client{},
		logger: logger.With().Str("component", "registry-feed").Logger(),
	}
}

// Refresh fetches the feed. When force is false a fresh cache is reused.
func (c *FeedClient) Refresh(ctx context.Context, force bool) error {
	c.mu.RLock()
	fresh := !force && time.Since(c.fetchedAt) < c.config.CacheTTL && c.plugins != nil
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	if c.config.URL == "" {
		return &AcquisitionError{Source: "registry", Reason: "no registry feed configured"}
	}

	if _, ok := ctx.Deadline(); !ok && c.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return &AcquisitionError{Source: "registry", Reason: "invalid feed url", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &AcquisitionError{Source: "registry", Reason: "feed fetch failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &AcquisitionError{
			Source: "registry",
			Reason: fmt.Sprintf("feed fetch returned status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AcquisitionError{Source: "registry", Reason: "feed read failed", Err: err}
	}

	var feed Feed
	if err := json.Unmarshal(body, &feed); err != nil {
		return &AcquisitionError{Source: "registry", Reason: "malformed feed document", Err: err}
	}

	c.mu.Lock()
	c.plugins = feed.Plugins
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug().Int("count", len(feed.Plugins)).Msg("Refreshed registry feed")
	return nil
}

// Resolve looks up a plugin id in the feed, fetching the feed first when
// the cache is stale or empty.
func (c *FeedClient) Resolve(ctx context.Context, pluginID string) (*RegistryPlugin, error) {
	if err := c.Refresh(ctx, false); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.plugins {
		if c.plugins[i].ID == pluginID {
			entry := c.plugins[i]
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("plugin %s not present in registry feed", pluginID)
}

// Plugins returns a snapshot of the cached feed entries
func (c *FeedClient) Plugins() []RegistryPlugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RegistryPlugin, len(c.plugins))
	copy(out, c.plugins)
	return out
}
