package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// failureDisabler is the slice of the manager the boundary needs to
// escalate an unrecoverable render failure.
type failureDisabler interface {
	DisableAfterFailure(pluginID string, cause error) error
}

// Boundary contains failures of exactly one rendered contribution. A
// tripped boundary renders nothing until Retry clears it or Disable turns
// the owning plugin off; other plugins' contributions are never affected.
type Boundary struct {
	contribution Contribution
	disabler     failureDisabler
	logger       zerolog.Logger
	onFailure    func(pluginID string)

	mu      sync.Mutex
	tripped bool
	lastErr *RenderError
}

// NewBoundary wraps one contribution in an isolation boundary. onFailure,
// when non-nil, is invoked once per trapped failure (used for metrics).
func NewBoundary(contribution Contribution, disabler failureDisabler, logger zerolog.Logger, onFailure func(pluginID string)) *Boundary {
	return &Boundary{
		contribution: contribution,
		disabler:     disabler,
		logger: logger.With().
			Str("component", "render-boundary").
			Str("plugin", contribution.PluginID).
			Str("options", contribution.Options.ID).
			Logger(),
		onFailure: onFailure,
	}
}

// Contribution returns the wrapped contribution
func (b *Boundary) Contribution() Contribution {
	return b.contribution
}

// Render invokes the contribution's render entry point. Returned errors and
// panics are both captured as a RenderError; neither propagates past the
// boundary.
func (b *Boundary) Render(ctx context.Context, api *API) (string, error) {
	b.mu.Lock()
	if b.tripped {
		lastErr := b.lastErr
		b.mu.Unlock()
		return "", lastErr
	}
	b.mu.Unlock()

	output, err := b.invoke(ctx, api)
	if err == nil {
		return output, nil
	}

	renderErr := &RenderError{
		PluginID:  b.contribution.PluginID,
		OptionsID: b.contribution.Options.ID,
		Err:       err,
	}

	b.mu.Lock()
	b.tripped = true
	b.lastErr = renderErr
	b.mu.Unlock()

	b.logger.Error().Err(err).Msg("Contribution render failed")
	if b.onFailure != nil {
		b.onFailure(b.contribution.PluginID)
	}
	return "", renderErr
}

// invoke calls the render function, converting a panic into an error
func (b *Boundary) invoke(ctx context.Context, api *API) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()

	if b.contribution.Options.Render == nil {
		return "", fmt.Errorf("contribution has no render entry point")
	}
	return b.contribution.Options.Render(ctx, api)
}

// Tripped reports whether the boundary is holding a failure
func (b *Boundary) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// LastError returns the failure currently held by the boundary, if any
func (b *Boundary) LastError() *RenderError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Retry clears the failure flag so the next Render re-attempts with the
// same contribution. It does not reinstall or revalidate the plugin.
func (b *Boundary) Retry() {
	b.mu.Lock()
	b.tripped = false
	b.lastErr = nil
	b.mu.Unlock()
	b.logger.Debug().Msg("Boundary reset for retry")
}

// Disable turns the owning plugin off through the manager's
// error-triggered disable path.
func (b *Boundary) Disable() error {
	b.mu.Lock()
	var cause error
	if b.lastErr != nil {
		cause = b.lastErr
	}
	b.mu.Unlock()
	if cause == nil {
		cause = fmt.Errorf("disabled from render boundary")
	}
	return b.disabler.DisableAfterFailure(b.contribution.PluginID, cause)
}
