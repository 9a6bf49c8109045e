package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/pkg/plugin"
)

// dropinSettleDelay is how long a dropped archive must sit unchanged before
// it is picked up. Browsers and scp write archives in chunks, so acting on
// the first write event would read a truncated zip.
const dropinSettleDelay = 500 * time.Millisecond

// dropinWatcher installs plugin archives dropped into the dropins directory.
// A successfully installed archive is deleted; a rejected one stays in place
// so the user can inspect it.
type dropinWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	manager *plugin.Manager
	logger  zerolog.Logger

	settleTimers map[string]*time.Timer
	settleMu     sync.Mutex
	done         chan struct{}
	stopOnce     sync.Once
}

func newDropinWatcher(dir string, manager *plugin.Manager, logger zerolog.Logger) (*dropinWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &dropinWatcher{
		watcher:      watcher,
		dir:          dir,
		manager:      manager,
		logger:       logger.With().Str("component", "dropin-watcher").Logger(),
		settleTimers: make(map[string]*time.Timer),
		done:         make(chan struct{}),
	}, nil
}

// Start begins watching the dropins directory and installs any archives
// already sitting in it from a previous run.
func (w *dropinWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch dropins directory: %w", err)
	}

	go w.eventLoop(ctx)
	go w.sweepExisting(ctx)

	w.logger.Info().Str("dir", w.dir).Msg("Dropin watcher started")
	return nil
}

// Stop stops the watcher
func (w *dropinWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.settleMu.Lock()
	for _, timer := range w.settleTimers {
		timer.Stop()
	}
	clear(w.settleTimers)
	w.settleMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to close watcher")
	}
}

// sweepExisting installs archives that were dropped while the daemon was
// not running.
func (w *dropinWatcher) sweepExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read dropins directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !isArchiveName(entry.Name()) {
			continue
		}
		w.installDropin(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *dropinWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			return

		case <-w.done:
			return
		}
	}
}

func (w *dropinWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !isArchiveName(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// Reset the settle timer on every write so the archive is only read
	// once the producer has finished with it.
	w.settleMu.Lock()
	defer w.settleMu.Unlock()

	if timer, exists := w.settleTimers[event.Name]; exists {
		timer.Stop()
	}

	path := event.Name
	w.settleTimers[path] = time.AfterFunc(dropinSettleDelay, func() {
		w.settleMu.Lock()
		delete(w.settleTimers, path)
		w.settleMu.Unlock()

		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
			w.installDropin(ctx, path)
		}
	})
}

func (w *dropinWatcher) installDropin(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Failed to read dropin archive")
		return
	}

	result := w.manager.InstallFromArchive(ctx, data)
	if !result.Success {
		w.logger.Warn().
			Str("path", path).
			Strs("errors", result.Errors).
			Msg("Dropin archive rejected")
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove installed dropin")
	}

	w.logger.Info().
		Str("plugin_id", result.PluginID).
		Str("version", result.Version).
		Bool("updated", result.Updated).
		Msg("Installed dropin archive")
}

func isArchiveName(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}
