// Package trigger lets another process request a sync by creating a
// marker file in the state directory. The daemon owns the bbolt
// database exclusively, so the CLI cannot reach the queue directly.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// FileName is the marker file watched in the state directory.
	FileName = "sync-now"

	// debounce collapses bursts of writes to the marker into one request.
	debounce = 500 * time.Millisecond
)

// Reason is passed to the request callback.
const Reason = "file"

// Watcher watches a directory for the marker file.
type Watcher struct {
	dir     string
	request func(reason string)
	logger  *slog.Logger
}

// New creates a Watcher for dir that calls request for each trigger.
func New(dir string, request func(reason string), logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, request: request, logger: logger}
}

// Touch creates the marker file in dir.
func Touch(dir string) error {
	path := filepath.Join(dir, FileName)

	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o600); err != nil {
		return fmt.Errorf("writing trigger file: %w", err)
	}

	return nil
}

// Watch blocks until ctx is cancelled. A marker left over from before
// the watch started is handled immediately.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	marker := filepath.Join(w.dir, FileName)

	if _, err := os.Stat(marker); err == nil {
		w.fire(marker)
	}

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

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed")
			}

			if filepath.Base(event.Name) != FileName {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}

			fire = timer.C

		case <-fire:
			fire = nil
			w.fire(marker)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed")
			}

			w.logger.Warn("trigger watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) fire(marker string) {
	if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("removing trigger file", slog.String("error", err.Error()))
	}

	w.logger.Info("sync requested by trigger file")
	w.request(Reason)
}
