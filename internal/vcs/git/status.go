package git

import (
	"context"
	"strings"

	"github.com/manwonyori/gitsyncd/internal/vcs"
)

// Status returns the status of files in the working directory.
// A failure reading the index is reported as vcs.ErrIndexCorruption.
func (g *Git) Status(ctx context.Context, paths ...string) ([]vcs.FileStatus, error) {
	args := []string{"status", "--porcelain", "-z", "--untracked-files=all"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}

	out, err := g.run(ctx, nil, args...)
	if err != nil {
		return nil, classify("status", out, err)
	}

	return parseStatus(out.Stdout), nil
}

// parseStatus parses `git status --porcelain -z` output.
// Entries are "XY path\x00"; renames and copies carry the original
// path as an extra NUL-terminated field.
func parseStatus(output []byte) []vcs.FileStatus {
	var statuses []vcs.FileStatus
	fields := strings.Split(string(output), "\x00")

	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}

		// X = staged status, Y = unstaged status
		staged := entry[0:1]
		unstaged := entry[1:2]

		statuses = append(statuses, vcs.FileStatus{
			Path:       entry[3:],
			Status:     parseStatusCode(unstaged),
			StagedCode: parseStatusCode(staged),
		})

		if staged == "R" || staged == "C" {
			i++
		}
	}

	return statuses
}

// parseStatusCode converts git status code to vcs.StatusCode
func parseStatusCode(code string) vcs.StatusCode {
	switch code {
	case " ":
		return vcs.StatusUnmodified
	case "M":
		return vcs.StatusModified
	case "A":
		return vcs.StatusAdded
	case "D":
		return vcs.StatusDeleted
	case "R":
		return vcs.StatusRenamed
	case "C":
		return vcs.StatusCopied
	case "?":
		return vcs.StatusUntracked
	case "!":
		return vcs.StatusIgnored
	case "U":
		return vcs.StatusConflict
	default:
		return vcs.StatusUnmodified
	}
}
