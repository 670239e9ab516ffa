package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/manwonyori/gitsyncd/internal/vcs"
)

func (g *Git) target(remote, branch string) (string, string) {
	if remote == "" {
		remote = g.remote
	}
	if branch == "" {
		branch = g.branch
	}
	return remote, branch
}

// Push pushes the branch to the remote.
// A missing remote yields vcs.ErrNoRemote (local-only mode).
func (g *Git) Push(ctx context.Context, opts vcs.PushOptions) error {
	remote, branch := g.target(opts.Remote, opts.Branch)
	if !g.HasRemote(remote) {
		return vcs.ErrNoRemote
	}
	if branch == "" {
		return vcs.ErrDetached
	}

	args := []string{"push", "--porcelain"}
	if opts.SetUpstream {
		args = append(args, "-u")
	}
	args = append(args, remote, "HEAD:refs/heads/"+branch)

	out, err := g.run(ctx, nil, args...)
	if err != nil {
		return classify("push", out, err)
	}

	return nil
}

// PullRebase fetches the remote branch and replays local commits on top.
// On conflicts the rebase is aborted, leaving the repository as it was,
// and vcs.ErrConflicts is returned.
func (g *Git) PullRebase(ctx context.Context, opts vcs.PullOptions) error {
	remote, branch := g.target(opts.Remote, opts.Branch)
	if !g.HasRemote(remote) {
		return vcs.ErrNoRemote
	}
	if branch == "" {
		return vcs.ErrDetached
	}

	out, err := g.run(ctx, nil, "pull", "--rebase", "--autostash", remote, branch)
	if err == nil {
		return nil
	}

	perr := classify("pull", out, err)
	if g.IsInRebase() {
		if _, abortErr := g.run(ctx, nil, "rebase", "--abort"); abortErr != nil {
			return errors.Join(perr, abortErr)
		}
		if !errors.Is(perr, vcs.ErrConflicts) {
			perr = errors.Join(vcs.ErrConflicts, perr)
		}
	}
	return perr
}

// IsInRebase returns true if a rebase is stopped in the working tree.
func (g *Git) IsInRebase() bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(g.vcsDir, dir)); err == nil {
			return true
		}
	}
	return false
}
