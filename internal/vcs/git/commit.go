package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/manwonyori/gitsyncd/internal/vcs"
)

// Stage adds paths to the index. Existing files go through `git add -A`,
// missing ones through `git rm --cached` so deletions are recorded too.
// Paths matched by .gitignore are skipped.
func (g *Git) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	ignored, err := g.ignored(ctx, paths)
	if err != nil {
		return err
	}

	var present, missing []string
	for _, p := range paths {
		if _, skip := ignored[p]; skip {
			continue
		}
		if _, err := os.Lstat(filepath.Join(g.repoRoot, filepath.FromSlash(p))); err == nil {
			present = append(present, p)
		} else {
			missing = append(missing, p)
		}
	}

	if len(present) > 0 {
		out, err := g.run(ctx, nulList(present), "add", "-A", "--pathspec-from-file=-", "--pathspec-file-nul")
		if err != nil {
			return classify("add", out, err)
		}
	}
	if len(missing) > 0 {
		out, err := g.run(ctx, nulList(missing), "rm", "--cached", "-r", "-q", "--ignore-unmatch", "--pathspec-from-file=-", "--pathspec-file-nul")
		if err != nil {
			return classify("rm", out, err)
		}
	}

	return nil
}

// ignored returns the subset of paths matched by gitignore rules.
// check-ignore exits 1 when nothing matches.
func (g *Git) ignored(ctx context.Context, paths []string) (map[string]struct{}, error) {
	out, err := g.run(ctx, nulList(paths), "check-ignore", "--stdin", "-z")
	if err != nil && out.ExitCode != 1 {
		return nil, classify("check-ignore", out, err)
	}

	set := make(map[string]struct{})
	for _, p := range strings.Split(string(out.Stdout), "\x00") {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set, nil
}

func nulList(paths []string) []byte {
	return []byte(strings.Join(paths, "\x00") + "\x00")
}

// Commit creates a commit from the index and returns its id.
func (g *Git) Commit(ctx context.Context, opts vcs.CommitOptions) (string, error) {
	msg := NormalizeMessage(opts.Message)
	if strings.TrimSpace(msg) == "" {
		return "", fmt.Errorf("commit message is required")
	}

	staged, err := g.stagedPaths(ctx)
	if err != nil {
		return "", err
	}
	only, err := commitScope(staged, opts.Paths)
	if err != nil {
		return "", err
	}

	var args []string
	if opts.AuthorName != "" {
		args = append(args, "-c", "user.name="+opts.AuthorName)
	}
	if opts.AuthorEmail != "" {
		args = append(args, "-c", "user.email="+opts.AuthorEmail)
	}
	args = append(args, "commit", "-q", "--cleanup=strip", "-F", "-")
	if opts.NoVerify {
		args = append(args, "--no-verify")
	}
	if len(only) > 0 {
		args = append(args, "--only", "--")
		args = append(args, only...)
	}

	out, err := g.run(ctx, []byte(msg), args...)
	if err != nil {
		if vcs.ContainsAny(out.Combined(), "nothing to commit", "no changes added to commit") {
			return "", vcs.ErrNothingToCommit
		}
		return "", classify("commit", out, err)
	}

	id, err := g.HeadCommit(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("commit succeeded but HEAD is unborn")
	}
	return id, nil
}

// stagedPaths lists every path whose index entry differs from HEAD.
// Renames are reported as a deletion plus an addition.
func (g *Git) stagedPaths(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, nil, "diff", "--cached", "--name-only", "--no-renames", "-z")
	if err != nil {
		return nil, classify("diff", out, err)
	}
	var paths []string
	for _, p := range strings.Split(string(out.Stdout), "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// commitScope decides what a commit records. It returns nil when the whole
// index belongs to the commit, or the staged paths inside want when other
// changes are staged too. Nothing staged inside want is ErrNothingToCommit.
func commitScope(staged, want []string) ([]string, error) {
	if len(staged) == 0 {
		return nil, vcs.ErrNothingToCommit
	}
	if len(want) == 0 {
		return nil, nil
	}

	var inside []string
	for _, p := range staged {
		if covered(p, want) {
			inside = append(inside, p)
		}
	}
	switch len(inside) {
	case 0:
		return nil, vcs.ErrNothingToCommit
	case len(staged):
		return nil, nil
	}
	return inside, nil
}

func covered(p string, want []string) bool {
	for _, w := range want {
		if p == w || strings.HasPrefix(p, strings.TrimSuffix(w, "/")+"/") {
			return true
		}
	}
	return false
}

// NormalizeMessage returns msg as valid UTF-8 in Unicode NFC form.
func NormalizeMessage(msg string) string {
	return norm.NFC.String(strings.ToValidUTF8(msg, "\uFFFD"))
}

// ResetIndex rebuilds the index from HEAD, leaving working-tree files
// untouched. On an unborn branch there is nothing to rebuild from.
func (g *Git) ResetIndex(ctx context.Context) error {
	head, err := g.HeadCommit(ctx)
	if err != nil {
		return err
	}
	if head == "" {
		return nil
	}

	out, err := g.run(ctx, nil, "reset", "--mixed", "-q")
	if err != nil {
		return classify("reset", out, err)
	}
	return nil
}
