// ABOUTME: fsnotify watcher that reloads the configuration file after writes settle
// ABOUTME: Watches the parent directory so atomic rename-on-save is seen

package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/clawgate/internal/config"
)

// Watcher triggers reloads when the configuration file changes.
type Watcher struct {
	reloader *Reloader
	live     *config.Live
	logger   *slog.Logger

	// onReload observes each completed reload; used by tests.
	onReload func(*Result, error)
}

// NewWatcher creates a watcher for the live configuration's file.
func NewWatcher(reloader *Reloader, live *config.Live, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		reloader: reloader,
		live:     live,
		logger:   logger.With("component", "reload-watcher"),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	path, err := filepath.Abs(w.live.Get().Path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	w.logger.Info("watching configuration", "path", path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce := w.live.Get().Gateway.Reload.Debounce
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-fire:
			fire = nil
			w.trigger(ctx)
		}
	}
}

func (w *Watcher) trigger(ctx context.Context) {
	if w.live.Get().Gateway.Reload.Mode == config.ReloadModeOff {
		w.logger.Info("configuration changed; reload mode is off, ignoring")
		return
	}

	res, err := w.reloader.reload(ctx, ApplyOptions{Graceful: true}, true)
	if err != nil {
		// A half-written or invalid file keeps the current configuration.
		w.logger.Error("configuration reload failed", "error", err)
	}
	if w.onReload != nil {
		w.onReload(res, err)
	}
}
