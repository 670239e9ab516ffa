package vcs

import (
	"errors"

	"github.com/manwonyori/gitsyncd/internal/model"
)

// Errors returned by Driver operations.
//
// Driver implementations wrap these with the raw git output, so check them
// with errors.Is:
//
//	if errors.Is(err, vcs.ErrPushRejected) {
//	    // pull --rebase and retry once
//	}
var (
	// ErrNotInVCS is returned when the root is not a git working tree.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the git binary is not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrIndexCorruption is returned when git cannot read or lock the index.
	ErrIndexCorruption = errors.New("index is corrupt or locked")

	// ErrNothingToCommit is returned by Commit when the staged diff is empty.
	// It is the expected steady state, not a failure.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrPushRejected is returned when a push is rejected by the remote,
	// typically due to non-fast-forward updates.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrAuthFailure is returned when the remote refuses our credentials.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrConflicts is returned when a rebase stops on conflicts.
	// The rebase is aborted before the error is returned.
	ErrConflicts = errors.New("unresolved conflicts")

	// ErrNoRemote is returned when an operation requires a remote
	// but none is configured.
	ErrNoRemote = errors.New("no remote configured")

	// ErrDetached is returned when HEAD does not point at a branch.
	ErrDetached = errors.New("not on a branch")

	// ErrTimeout is returned when a VCS operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// KindOf maps a driver error onto the sync error taxonomy.
func KindOf(err error) model.ErrorKind {
	switch {
	case err == nil:
		return model.KindNone
	case errors.Is(err, ErrNothingToCommit):
		return model.KindNothingToCommit
	case errors.Is(err, ErrIndexCorruption):
		return model.KindIndexCorruption
	case errors.Is(err, ErrPushRejected), errors.Is(err, ErrConflicts):
		return model.KindRemoteRejected
	case errors.Is(err, ErrAuthFailure):
		return model.KindAuthFailure
	default:
		return model.KindUnknown
	}
}

// IsRetryable returns true if the error may succeed after a pull --rebase.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPushRejected)
}
