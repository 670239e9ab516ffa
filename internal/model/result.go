package model

import (
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies the terminal outcome of a sync cycle.
// The empty kind means the cycle succeeded.
type ErrorKind string

const (
	KindNone                     ErrorKind = ""
	KindConnectionLost           ErrorKind = "ConnectionLost"
	KindSensitiveContentDetected ErrorKind = "SensitiveContentDetected"
	KindIndexCorruption          ErrorKind = "IndexCorruption"
	KindRepositoryUnrepairable   ErrorKind = "RepositoryUnrepairable"
	// KindNothingToCommit is a normal no-op outcome, not a failure.
	KindNothingToCommit ErrorKind = "NothingToCommit"
	KindRemoteRejected  ErrorKind = "RemoteRejected"
	KindAuthFailure     ErrorKind = "AuthFailure"
	KindUnknown         ErrorKind = "Unknown"
)

// IsFailure reports whether the kind marks a failed cycle.
func (k ErrorKind) IsFailure() bool {
	return k != KindNone && k != KindNothingToCommit
}

// State is a step of the orchestrator's per-batch state machine.
type State string

const (
	StateIdle        State = "IDLE"
	StateFiltering   State = "FILTERING"
	StateRepairing   State = "REPAIRING"
	StateStaging     State = "STAGING"
	StateCommitting  State = "COMMITTING"
	StatePushing     State = "PUSHING"
	StateRebaseRetry State = "REBASE_RETRY"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// SyncResult is the immutable outcome of processing one batch.
type SyncResult struct {
	BatchID uuid.UUID `json:"batch_id"`
	Paths   []string  `json:"paths"`
	// FilteredPaths are the paths the sensitive-content filter blocked.
	FilteredPaths []string `json:"filtered_paths,omitempty"`
	// IgnoredPaths were dropped by ignore rules without blocking the batch.
	IgnoredPaths  []string    `json:"ignored_paths,omitempty"`
	Sources       []Source    `json:"sources"`
	FlushReason   FlushReason `json:"flush_reason,omitempty"`
	Staged        bool        `json:"staged"`
	Committed     bool        `json:"committed"`
	CommitID      string      `json:"commit_id,omitempty"`
	Pushed        bool        `json:"pushed"`
	RebaseRetried bool        `json:"rebase_retried"`
	RepairedIndex bool        `json:"repaired_index"`
	Error         ErrorKind   `json:"error,omitempty"`
	ErrorDetail   string      `json:"error_detail,omitempty"`
	FinalState    State       `json:"final_state"`
	Transitions   []State     `json:"transitions"`
	StartedAt     time.Time   `json:"started_at"`
	DurationMS    int64       `json:"duration_ms"`
}

// Failed reports whether the cycle ended in FAILED.
func (r SyncResult) Failed() bool {
	return r.FinalState == StateFailed
}
