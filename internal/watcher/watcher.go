// Package watcher provides recursive file system watching for the working tree.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/model"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent represents a file system event inside the root.
type FileEvent struct {
	// Path is relative to the root, slash-separated.
	Path string
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// Sink receives change events. *queue.Queue implements it.
type Sink interface {
	Push(model.ChangeEvent)
}

// FileWatcher watches a directory tree for changes.
// Directories created after Start are watched as they appear.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	excludes []string
	events   chan FileEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewFileWatcher creates a watcher for root. Paths equal to or beneath
// any of the exclude prefixes (relative, slash-separated) are never
// watched nor reported.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher(root string, excludes []string) (*FileWatcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		root:     absRoot,
		excludes: excludes,
		events:   make(chan FileEvent, 256),
		errors:   make(chan error, 16),
		done:     make(chan struct{}),
	}, nil
}

// Root returns the absolute watched root.
func (fw *FileWatcher) Root() string {
	return fw.root
}

// Start walks the root, watching every directory not excluded.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	if _, err := fw.addTree(fw.root, false); err != nil {
		return err
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	// Signal shutdown
	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	// Wait for event processing to finish
	fw.wg.Wait()

	// Close channels
	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// Run starts the watcher and forwards its events to sink as LOCAL change
// events until ctx is done.
func (fw *FileWatcher) Run(ctx context.Context, sink Sink, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "watcher"))

	if err := fw.Start(); err != nil {
		return err
	}
	defer fw.Stop()
	logger.Info("watching working tree", zap.String("root", fw.root), zap.Strings("excludes", fw.excludes))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.events:
			if !ok {
				return nil
			}
			logger.Debug("local change", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
			sink.Push(model.NewChangeEvent(ev.Path, model.SourceLocal))
		case err, ok := <-fw.errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// rel converts an absolute path under root to its relative form.
func (fw *FileWatcher) rel(path string) (string, bool) {
	return model.NormalizePath(fw.root, path)
}

func (fw *FileWatcher) excluded(rel string) bool {
	for _, p := range fw.excludes {
		if model.HasPathPrefix(rel, p) {
			return true
		}
	}
	return false
}

// addTree watches dir and every non-excluded directory below it. When
// emit is set, files already present are returned as created; they were
// written before the watch existed and would otherwise be missed.
func (fw *FileWatcher) addTree(dir string, emit bool) ([]FileEvent, error) {
	var found []FileEvent

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished while walking
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, ok := fw.rel(path)
		if ok && fw.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := fw.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch directory %s: %w", path, err)
			}
			return nil
		}
		if emit && ok {
			found = append(found, FileEvent{Path: rel, Op: OpCreate})
		}
		return nil
	})

	return found, err
}

// processEvents is the main event loop that processes fsnotify events
// and converts them to FileEvent notifications.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			for _, fileEvent := range fw.convertEvent(event) {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to zero or more FileEvents.
// A new directory is watched and yields its existing files; chmod and
// excluded paths yield nothing.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) []FileEvent {
	rel, ok := fw.rel(event.Name)
	if !ok || fw.excluded(rel) {
		return nil
	}

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			found, err := fw.addTree(event.Name, true)
			if err != nil {
				select {
				case fw.errors <- err:
				default:
				}
			}
			return found
		}
		return []FileEvent{{Path: rel, Op: OpCreate}}
	case event.Has(fsnotify.Write):
		return []FileEvent{{Path: rel, Op: OpModify}}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as its own Create.
		return []FileEvent{{Path: rel, Op: OpDelete}}
	default:
		// Ignore chmod and other events
		return nil
	}
}
