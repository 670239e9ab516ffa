// Package model holds the data types shared by every stage of the sync
// pipeline: change events, batches, repository state and cycle results.
package model

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Source identifies which producer observed a change.
type Source int

const (
	// SourceRemote is a file mutation reported by the remote agent's event stream.
	SourceRemote Source = iota
	// SourceLocal is a write observed directly on disk.
	SourceLocal
)

// String returns the lower-case name used in logs and audit records.
func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(text []byte) error {
	switch string(text) {
	case "remote":
		*s = SourceRemote
	case "local":
		*s = SourceLocal
	default:
		return fmt.Errorf("unknown source %q", text)
	}
	return nil
}

// ChangeEvent is a single observed change to a path in the working tree.
// Events are immutable once created and are only ever persisted as part of a batch.
type ChangeEvent struct {
	// Path is relative to the repository root, slash-separated and cleaned.
	Path string
	// Source is the producer that observed the change.
	Source Source
	// ObservedAt is when the producer saw the change.
	ObservedAt time.Time
}

// NewChangeEvent builds an event for a path that has already been normalized.
func NewChangeEvent(relPath string, src Source) ChangeEvent {
	return ChangeEvent{Path: relPath, Source: src, ObservedAt: time.Now()}
}

// NormalizePath converts p (absolute, or relative to root) into the
// repository-relative slash form used by ChangeEvent.Path.
//
// It returns false for paths that resolve to the root itself or escape it.
func NormalizePath(root, p string) (string, bool) {
	if p == "" {
		return "", false
	}

	var rel string
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(root, p)
		if err != nil {
			return "", false
		}
		rel = r
	} else {
		rel = p
	}

	rel = path.Clean(filepath.ToSlash(rel))
	rel = strings.TrimPrefix(rel, "./")
	if rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", false
	}
	return rel, true
}

// HasPathPrefix reports whether rel equals prefix or lies beneath it.
// Both arguments are slash-separated relative paths.
func HasPathPrefix(rel, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return false
	}
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}
