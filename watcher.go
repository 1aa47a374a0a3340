package dataform

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// ClientRCPattern matches the runtime configuration files the analysis process
// tracks outside the normal document set.
const ClientRCPattern = "**/.clientrc"

// Watcher observes a workspace tree for changes to files matching
// ClientRCPattern and forwards each batch to the analysis process as a
// watched-files notification. Events are debounced so a burst of writes
// produces a single batch.
type Watcher struct {
	root     string
	client   *Client
	pattern  glob.Glob
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

var defaultWatchDebounce = 100 * time.Millisecond

// WithWatchDebounce sets the quiet period collected into one notification batch.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatchPattern overrides the watched glob pattern.
func WithWatchPattern(pattern string) WatcherOption {
	return func(w *Watcher) {
		w.pattern = glob.MustCompile(pattern, '/')
	}
}

// WithWatcherLogger sets the logger used by the watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WatchClientRC creates a watcher rooted at root that forwards matching file
// events through client. Run must be called to start observing.
func WatchClientRC(root string, client *Client, options ...WatcherOption) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}

	w := &Watcher{
		root:     absRoot,
		client:   client,
		pattern:  glob.MustCompile(ClientRCPattern, '/'),
		debounce: defaultWatchDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.addTree(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Run observes the tree until ctx is canceled, forwarding debounced batches of
// matching events to the client. It always returns ctx's error.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		pending []FileEvent
		timer   *time.Timer
		fire    <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return ctx.Err()
			}

			// New directories join the watch so nested .clientrc files are seen.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "err", err)
					}
				}
			}

			fe, ok := w.translate(ev)
			if !ok {
				continue
			}
			pending = append(pending, fe)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return ctx.Err()
			}
			w.logger.Error("file watcher error", "err", err)
		case <-fire:
			batch := pending
			pending = nil
			fire = nil

			if err := w.client.NotifyWatchedFiles(ctx, batch); err != nil {
				w.logger.Error("failed to forward watched file changes", "err", err)
			}
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (FileEvent, bool) {
	if !w.pattern.Match(filepath.ToSlash(ev.Name)) {
		return FileEvent{}, false
	}

	var typ FileChangeType
	switch {
	case ev.Op.Has(fsnotify.Create):
		typ = FileCreated
	case ev.Op.Has(fsnotify.Write):
		typ = FileChanged
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		typ = FileDeleted
	default:
		return FileEvent{}, false
	}

	return FileEvent{
		URI:  pathToURI(ev.Name),
		Type: typ,
	}, true
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
