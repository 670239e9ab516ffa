package git

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manwonyori/gitsyncd/internal/vcs"
)

// Substrings of git's (LC_ALL=C) stderr that identify each failure class.
var (
	indexMarkers = []string{
		"index.lock",
		"index file",
		"bad index",
		"unable to write new index",
		"index uses",
		"unable to read tree",
	}
	authMarkers = []string{
		"authentication failed",
		"permission denied",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"the requested url returned error: 403",
		"the requested url returned error: 401",
	}
	rejectMarkers = []string{
		"[rejected]",
		"non-fast-forward",
		"fetch first",
		"updates were rejected",
	}
	conflictMarkers = []string{
		"conflict",
		"could not apply",
		"resolve all conflicts",
	}
)

// classify converts a failed git invocation into an error wrapping the
// matching vcs sentinel. The raw output is kept in the message.
func classify(op string, out vcs.Output, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, vcs.ErrTimeout) || errors.Is(err, vcs.ErrVCSNotAvailable) {
		return fmt.Errorf("git %s: %w", op, err)
	}

	text := out.Combined()
	detail := strings.TrimSpace(string(out.Stderr))
	if detail == "" {
		detail = text
	}

	var sentinel error
	switch {
	case vcs.ContainsAny(text, indexMarkers...):
		sentinel = vcs.ErrIndexCorruption
	case vcs.ContainsAny(text, authMarkers...):
		sentinel = vcs.ErrAuthFailure
	case vcs.ContainsAny(text, rejectMarkers...):
		sentinel = vcs.ErrPushRejected
	case vcs.ContainsAny(text, conflictMarkers...):
		sentinel = vcs.ErrConflicts
	default:
		return fmt.Errorf("git %s failed (exit %d): %s", op, out.ExitCode, detail)
	}

	return fmt.Errorf("git %s: %w: %s", op, sentinel, detail)
}
