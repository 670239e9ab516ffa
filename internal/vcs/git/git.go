// Package git provides the git implementation of vcs.Driver.
//
// Repository discovery, initialization, branch and remote resolution use
// go-git; every mutating operation shells out to the git binary with a
// pinned locale and UTF-8 path/message encoding, and the output is
// classified into the vcs sentinel errors before it leaves this package.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/manwonyori/gitsyncd/internal/vcs"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 2 * time.Minute

// DefaultBranch is used when initializing a repository without a configured branch.
const DefaultBranch = "main"

// globalFlags precede every subcommand so paths and messages are emitted
// as raw UTF-8 regardless of the user's git configuration. Paths are
// always literal: a file named "*.txt" must never expand to other files.
var globalFlags = []string{
	"--literal-pathspecs",
	"-c", "core.quotepath=false",
	"-c", "i18n.commitEncoding=UTF-8",
	"-c", "i18n.logOutputEncoding=UTF-8",
	"-c", "core.editor=true",
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Remote is the push/pull remote name. Empty uses "origin".
	Remote string

	// Branch is the branch to push. Empty resolves it from HEAD.
	Branch string

	// AutoInit initializes a repository at root when none exists.
	AutoInit bool

	// Timeout bounds each git invocation. Zero uses DefaultTimeout.
	Timeout time.Duration

	// AuthorName and AuthorEmail, when set, override the identity used
	// for commits and rebases.
	AuthorName  string
	AuthorEmail string
}

// Git implements vcs.Driver for a single working tree.
type Git struct {
	// repoRoot is the repository root directory path
	repoRoot string

	// vcsDir is the .git directory path
	vcsDir string

	remote   string
	branch   string
	timeout  time.Duration
	identity []string

	repo *gogit.Repository
}

var _ vcs.Driver = (*Git)(nil)

// Open validates root as a git working tree and resolves the sync branch.
func Open(root string, opts OpenOptions) (*Git, error) {
	absPath, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("repository root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", absPath)
	}

	repo, err := gogit.PlainOpen(absPath)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		if !opts.AutoInit {
			return nil, fmt.Errorf("%s: %w", absPath, vcs.ErrNotInVCS)
		}
		repo, err = initRepo(absPath, opts.Branch)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", absPath, err)
	}

	g := &Git{
		repoRoot: normalizeRepoRoot(absPath),
		vcsDir:   filepath.Join(absPath, ".git"),
		remote:   opts.Remote,
		branch:   opts.Branch,
		timeout:  opts.Timeout,
		repo:     repo,
	}
	if opts.AuthorName != "" {
		g.identity = append(g.identity, "-c", "user.name="+opts.AuthorName)
	}
	if opts.AuthorEmail != "" {
		g.identity = append(g.identity, "-c", "user.email="+opts.AuthorEmail)
	}
	if g.remote == "" {
		g.remote = vcs.DefaultRemote
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.branch == "" {
		branch, err := g.currentBranch()
		if err != nil {
			return nil, err
		}
		g.branch = branch
	}

	return g, nil
}

func initRepo(path, branch string) (*gogit.Repository, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	return gogit.PlainInitWithOptions(path, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(branch),
		},
	})
}

// normalizeRepoRoot resolves symlinks so prefix checks against watcher
// paths agree (macOS /var -> /private/var).
func normalizeRepoRoot(path string) string {
	path = filepath.FromSlash(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}

// RepoRoot returns the repository root directory path
func (g *Git) RepoRoot() string {
	return g.repoRoot
}

// VCSDir returns the .git directory path
func (g *Git) VCSDir() string {
	return g.vcsDir
}

// Branch returns the branch pushes target.
func (g *Git) Branch() string {
	return g.branch
}

// Remote returns the configured remote name.
func (g *Git) Remote() string {
	return g.remote
}

// currentBranch reads HEAD's symbolic target, which also works on an
// unborn branch where HEAD names a ref that does not exist yet.
func (g *Git) currentBranch() (string, error) {
	ref, err := g.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", vcs.ErrDetached
	}
	return ref.Target().Short(), nil
}

// HasRemote returns true if the named remote is configured.
// An empty name checks the driver's remote.
func (g *Git) HasRemote(name string) bool {
	if name == "" {
		name = g.remote
	}
	_, err := g.repo.Remote(name)
	return err == nil
}

// HeadCommit returns the commit id HEAD points at, or "" on an unborn branch.
func (g *Git) HeadCommit(_ context.Context) (string, error) {
	head, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// run executes git in the repository root. The context is detached from
// the caller's cancellation so daemon shutdown never kills a half-done
// push or commit; only the per-operation timeout bounds it.
func (g *Git) run(ctx context.Context, stdin []byte, args ...string) (vcs.Output, error) {
	full := make([]string, 0, len(globalFlags)+len(g.identity)+len(args))
	full = append(full, globalFlags...)
	full = append(full, g.identity...)
	full = append(full, args...)
	return vcs.ExecContext(context.WithoutCancel(ctx), g.timeout, g.repoRoot, stdin, "git", full...)
}
