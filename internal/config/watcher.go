package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 150 * time.Millisecond

// FileKind says which watched file a reload event is about.
type FileKind int

const (
	KindConfig FileKind = iota
	KindPrompts
)

func (k FileKind) String() string {
	if k == KindPrompts {
		return "prompts"
	}
	return "config"
}

type ReloadEvent struct {
	Path string
	Kind FileKind
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long a file must stay quiet before its event is
// emitted. Editors often write a file several times per save.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reports changes to config.yaml and the prompt catalog. Parent
// directories are watched so rename-on-save editors keep producing events.
type Watcher struct {
	files    map[string]FileKind
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

// NewWatcher watches <homeDir>/config.yaml and, when promptsPath is set, the
// catalog file.
func NewWatcher(homeDir, promptsPath string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		files:    map[string]FileKind{filepath.Clean(ConfigPath(homeDir)): KindConfig},
		logger:   logger,
		events:   make(chan ReloadEvent, 8),
		debounce: defaultDebounce,
	}
	if promptsPath != "" {
		w.files[filepath.Clean(promptsPath)] = KindPrompts
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events is closed once the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := make(map[string]bool)
	for file := range w.files {
		dir := filepath.Dir(file)
		if watched[dir] {
			continue
		}
		watched[dir] = true
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]FileKind)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			kind, tracked := w.files[path]
			if !tracked || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[path] = kind
			timer.Reset(w.debounce)
		case <-timer.C:
			for path, kind := range pending {
				w.logger.Info("watched file changed", "path", path, "kind", kind.String())
				select {
				case w.events <- ReloadEvent{Path: path, Kind: kind}:
				default:
					w.logger.Warn("reload event dropped; consumer is behind", "path", path)
				}
				delete(pending, path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
