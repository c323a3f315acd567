// Package watcher provides recursive file system watching with per-path
// debouncing for the active project directory.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tetherbot/tether/internal/log"
)

// Kind classifies a change notification.
type Kind int

const (
	// Created means a file or directory appeared.
	Created Kind = iota
	// Modified means an existing file was written.
	Modified
	// Deleted means a file or directory was removed or renamed away.
	Deleted
	// WatchLost is terminal: the watched tree became inaccessible and the
	// watcher has stopped. Restarting is the caller's decision.
	WatchLost
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case WatchLost:
		return "watch-lost"
	default:
		return "unknown"
	}
}

// Event is one debounced change notification.
type Event struct {
	Kind Kind
	Path string
}

// Config holds watcher configuration options.
type Config struct {
	Debounce time.Duration
	// Ignore lists directory or file base names (glob patterns accepted)
	// that never produce events and are not descended into.
	Ignore []string
}

// DefaultConfig returns sensible defaults for a project tree.
func DefaultConfig() Config {
	return Config{
		Debounce: 750 * time.Millisecond,
		Ignore:   []string{".git", "venv", "__pycache__", "node_modules"},
	}
}

// Watcher monitors one directory tree. Multiple rapid events on the same
// path within the debounce window collapse into a single notification
// carrying the latest kind observed.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	root      string
	debounce  time.Duration
	ignore    []string

	events chan Event
	done   chan struct{}

	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]Kind
	timers  map[string]*time.Timer
}

// New creates a watcher; call Start to begin monitoring.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		debounce:  cfg.Debounce,
		ignore:    cfg.Ignore,
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
		pending:   make(map[string]Kind),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Start begins watching root and every non-ignored subdirectory.
// Returns the channel debounced events are delivered on.
func (w *Watcher) Start(root string) (<-chan Event, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving watch root: %w", err)
	}
	w.root = abs

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != abs && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
	if err != nil {
		return nil, fmt.Errorf("watching directory tree %s: %w", abs, err)
	}

	log.Info(log.CatWatch, "Watching project tree", "root", abs, "debounce", w.debounce)
	go w.loop()

	return w.events, nil
}

// Stop terminates the watcher and releases resources. Idempotent; safe to
// call before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsWatcher.Close()

		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// One terminal notification, then stop. No silent retry.
			log.ErrorErr(log.CatWatch, "Watch lost", err, "root", w.root)
			select {
			case w.events <- Event{Kind: WatchLost, Path: w.root}:
			case <-w.done:
			}
			w.Stop()
			return

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	kind, relevant := classify(event.Op)
	if !relevant {
		return
	}

	// Losing the root itself means nothing below it can be observed.
	if kind == Deleted && event.Name == w.root {
		select {
		case w.events <- Event{Kind: WatchLost, Path: w.root}:
		case <-w.done:
		}
		w.Stop()
		return
	}

	// New subdirectories join the watch so the tree stays covered.
	if kind == Created {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsWatcher.Add(event.Name); err != nil {
				log.Warn(log.CatWatch, "Failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	w.schedule(event.Name, kind)
}

// schedule records the latest kind for path and arms (or re-arms) its
// debounce timer.
func (w *Watcher) schedule(path string, kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = kind
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	kind, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	log.Debug(log.CatWatch, "Change detected", "kind", kind, "path", path)
	select {
	case w.events <- Event{Kind: kind, Path: path}:
	case <-w.done:
	}
}

// ignored reports whether any element of path matches an ignore pattern.
func (w *Watcher) ignored(path string) bool {
	rel := path
	if w.root != "" {
		if r, err := filepath.Rel(w.root, path); err == nil {
			rel = r
		}
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range w.ignore {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

func classify(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write):
		return Modified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Deleted, true
	default:
		// Chmod noise is not a content change.
		return 0, false
	}
}
