package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// FlushReason records which aggregator timer closed a batch.
type FlushReason string

const (
	FlushQuietWindow FlushReason = "quiet_window"
	FlushMaxAge      FlushReason = "max_age"
	// FlushManual is used for batches built outside the aggregator (syncd once).
	FlushManual FlushReason = "manual"
)

// SyncBatch is a deduplicated set of paths accumulated from one burst of events.
//
// A batch is created by the first event after the previous flush, mutated by
// later events inside the quiet window, and closed by Flush. Nothing may
// mutate it after Flush.
type SyncBatch struct {
	ID          uuid.UUID
	Paths       map[string]struct{}
	Sources     map[Source]int
	OpenedAt    time.Time
	LastEventAt time.Time
	// FlushedAt is zero until the batch is flushed.
	FlushedAt time.Time
	Reason    FlushReason
}

// NewSyncBatch opens a batch at the given time.
func NewSyncBatch(openedAt time.Time) *SyncBatch {
	return &SyncBatch{
		ID:          uuid.Must(uuid.NewV7()),
		Paths:       make(map[string]struct{}),
		Sources:     make(map[Source]int),
		OpenedAt:    openedAt,
		LastEventAt: openedAt,
	}
}

// BatchOf builds an already-flushed batch from a fixed path list.
func BatchOf(reason FlushReason, src Source, paths ...string) *SyncBatch {
	now := time.Now()
	b := NewSyncBatch(now)
	for _, p := range paths {
		b.Add(ChangeEvent{Path: p, Source: src, ObservedAt: now})
	}
	b.Flush(now, reason)
	return b
}

// Add merges an event into the batch and refreshes LastEventAt.
func (b *SyncBatch) Add(ev ChangeEvent) {
	b.Paths[ev.Path] = struct{}{}
	b.Sources[ev.Source]++
	if ev.ObservedAt.After(b.LastEventAt) {
		b.LastEventAt = ev.ObservedAt
	}
}

// Flush closes the batch.
func (b *SyncBatch) Flush(at time.Time, reason FlushReason) {
	b.FlushedAt = at
	b.Reason = reason
}

// Flushed reports whether Flush has been called.
func (b *SyncBatch) Flushed() bool {
	return !b.FlushedAt.IsZero()
}

// Len returns the number of distinct paths.
func (b *SyncBatch) Len() int {
	return len(b.Paths)
}

// PathList returns the paths in lexical order.
func (b *SyncBatch) PathList() []string {
	out := make([]string, 0, len(b.Paths))
	for p := range b.Paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SourceList returns the distinct sources that contributed to the batch.
func (b *SyncBatch) SourceList() []Source {
	out := make([]Source, 0, len(b.Sources))
	for s := range b.Sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
