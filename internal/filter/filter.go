// Package filter decides which paths of a batch may be committed.
//
// Any path matching a sensitive rule blocks the whole batch (fail-closed);
// paths matching an ignore rule are silently dropped. The active ruleset
// is swapped atomically when the rules file changes, so a cycle always
// sees one consistent ruleset.
package filter

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Result partitions a path set.
type Result struct {
	Blocked []string
	Ignored []string
	Allowed []string
}

// HasBlocked reports whether the batch must be skipped.
func (r Result) HasBlocked() bool {
	return len(r.Blocked) > 0
}

// ReloadHook is called after every reload attempt.
type ReloadHook func(ok bool)

// Filter checks paths against the active ruleset.
type Filter struct {
	base     Rules
	file     string
	active   atomic.Pointer[Ruleset]
	logger   *zap.Logger
	onReload ReloadHook
}

// Options configures New.
type Options struct {
	// Base rules are always applied: defaults plus configured lists.
	Base Rules

	// File is an optional rules file merged after Base and hot-reloaded.
	File string

	// OnReload is notified of reload outcomes (metrics).
	OnReload ReloadHook
}

// New compiles the initial ruleset. A configured but unreadable rules
// file is an error.
func New(opts Options, logger *zap.Logger) (*Filter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filter{
		base:     opts.Base,
		file:     opts.File,
		logger:   logger.With(zap.String("component", "filter")),
		onReload: opts.OnReload,
	}

	rs, err := f.load()
	if err != nil {
		return nil, err
	}
	f.active.Store(rs)
	return f, nil
}

func (f *Filter) load() (*Ruleset, error) {
	rules := f.base
	if f.file != "" {
		fromFile, err := LoadFile(f.file)
		if err != nil {
			return nil, err
		}
		rules = rules.Merge(fromFile)
	}
	return Compile(rules), nil
}

// Ruleset returns the ruleset currently in effect.
func (f *Filter) Ruleset() *Ruleset {
	return f.active.Load()
}

// Check partitions paths. Sensitive rules take precedence over ignore rules.
func (f *Filter) Check(paths []string) Result {
	rs := f.active.Load()

	var res Result
	for _, p := range paths {
		switch {
		case rs.IsSensitive(p):
			res.Blocked = append(res.Blocked, p)
		case rs.IsIgnored(p):
			res.Ignored = append(res.Ignored, p)
		default:
			res.Allowed = append(res.Allowed, p)
		}
	}
	sort.Strings(res.Blocked)
	sort.Strings(res.Ignored)
	sort.Strings(res.Allowed)
	return res
}

// Reload re-reads the rules file. On failure the previous ruleset stays
// in effect.
func (f *Filter) Reload() error {
	rs, err := f.load()
	if f.onReload != nil {
		f.onReload(err == nil)
	}
	if err != nil {
		f.logger.Error("rules reload failed, keeping previous ruleset", zap.String("file", f.file), zap.Error(err))
		return err
	}
	f.active.Store(rs)
	f.logger.Info("rules reloaded", zap.String("file", f.file))
	return nil
}

// Watch reloads the ruleset whenever the rules file changes, until ctx is
// done. The parent directory is watched so editors that replace the file
// by rename are noticed. Without a rules file Watch just waits.
func (f *Filter) Watch(ctx context.Context) error {
	if f.file == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer w.Close()

	target, err := filepath.Abs(f.file)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = f.Reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}
