// Package vcs defines the typed repository operations the sync daemon needs.
//
// The orchestrator never looks at raw git output: the driver implementation
// (internal/vcs/git) runs the subprocesses and translates exit codes and
// stderr into the sentinel errors in this package, and KindOf maps those
// sentinels onto model.ErrorKind.
//
// # Usage
//
//	d, err := git.Open("/srv/repo", git.OpenOptions{Branch: "main"})
//	if err != nil {
//	    return err
//	}
//	if err := d.Stage(ctx, []string{"notes.txt"}); err != nil {
//	    return err
//	}
//	id, err := d.Commit(ctx, vcs.CommitOptions{Message: "sync"})
//	if errors.Is(err, vcs.ErrNothingToCommit) {
//	    // steady state: nothing changed
//	}
package vcs

import (
	"context"
)

// Driver is the set of repository operations a sync cycle uses.
type Driver interface {
	// RepoRoot returns the working tree root.
	RepoRoot() string

	// VCSDir returns the .git directory path.
	VCSDir() string

	// Status returns the porcelain status of the working tree.
	// It doubles as the health probe: an unreadable index fails here.
	Status(ctx context.Context, paths ...string) ([]FileStatus, error)

	// Stage adds the given repository-relative paths to the index,
	// including deletions. Gitignored paths are skipped.
	Stage(ctx context.Context, paths []string) error

	// Commit records the staged changes and returns the new commit id.
	// Returns ErrNothingToCommit when the staged diff is empty.
	Commit(ctx context.Context, opts CommitOptions) (string, error)

	// Push pushes branch to remote.
	// Returns ErrNoRemote when the remote is not configured.
	Push(ctx context.Context, opts PushOptions) error

	// PullRebase fetches remote/branch and rebases local commits onto it.
	// A conflicting rebase is aborted and reported as ErrConflicts.
	PullRebase(ctx context.Context, opts PullOptions) error

	// ResetIndex rebuilds the index from HEAD without touching the working tree.
	ResetIndex(ctx context.Context) error

	// HeadCommit returns the commit id HEAD points at, or "" on an unborn branch.
	HeadCommit(ctx context.Context) (string, error)
}

// FileStatus represents the status of a file in the working directory
type FileStatus struct {
	// Path is the file path relative to repository root
	Path string

	// Status is the working directory status
	Status StatusCode

	// StagedCode is the staging area status
	StagedCode StatusCode
}

// StatusCode represents file status codes
type StatusCode string

const (
	StatusUnmodified StatusCode = " " // No changes
	StatusModified   StatusCode = "M" // Modified
	StatusAdded      StatusCode = "A" // Added/new file
	StatusDeleted    StatusCode = "D" // Deleted
	StatusRenamed    StatusCode = "R" // Renamed
	StatusCopied     StatusCode = "C" // Copied
	StatusUntracked  StatusCode = "?" // Untracked
	StatusIgnored    StatusCode = "!" // Ignored
	StatusConflict   StatusCode = "U" // Unmerged/conflict
)

// CommitOptions configures a commit operation
type CommitOptions struct {
	// Message is the commit message (required)
	Message string

	// AuthorName and AuthorEmail override the committer identity when set.
	AuthorName  string
	AuthorEmail string

	// NoVerify skips pre-commit hooks
	NoVerify bool

	// Paths limits the commit to these paths (or directories). Anything
	// else already staged stays staged and is left out of the commit.
	// Empty commits the whole index.
	Paths []string
}

// PushOptions configures a push operation
type PushOptions struct {
	// Remote is the remote name. Empty uses "origin".
	Remote string

	// Branch is the branch to push. Empty uses the current branch.
	Branch string

	// SetUpstream configures the upstream tracking reference
	SetUpstream bool
}

// PullOptions configures a pull --rebase operation
type PullOptions struct {
	// Remote is the remote name. Empty uses "origin".
	Remote string

	// Branch is the branch to pull. Empty uses the current branch.
	Branch string
}

// DefaultRemote is used when no remote name is configured.
const DefaultRemote = "origin"
