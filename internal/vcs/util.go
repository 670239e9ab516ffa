package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ===================
// Command Execution Utilities
// ===================

// Output is the captured result of one subprocess run.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined returns stdout and stderr joined, trimmed, for classification
// and error messages.
func (o Output) Combined() string {
	return strings.TrimSpace(string(o.Stdout) + "\n" + string(o.Stderr))
}

// forcedEnv pins the locale and disables interactive prompts so every
// invocation produces the same bytes on every platform.
var forcedEnv = []string{
	"LC_ALL=C",
	"LANG=C",
	"LANGUAGE=C",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_ASKPASS=",
	"SSH_ASKPASS=",
	"GIT_EDITOR=true",
}

// ExecContext executes a command with timeout and context support.
//
// The returned error is nil when the process exits 0. A non-zero exit
// yields an *exec.ExitError wrapped with stderr, and Output.ExitCode holds
// the code, so callers that treat some exit codes as answers (check-ignore,
// diff --quiet) can inspect it. A timeout yields ErrTimeout.
//
// Example:
//
//	out, err := ExecContext(ctx, 30*time.Second, repoRoot, nil, "git", "status", "--porcelain")
func ExecContext(ctx context.Context, timeout time.Duration, workDir string, stdin []byte, name string, args ...string) (Output, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), forcedEnv...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: GetExitCode(err)}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ErrTimeout)
		}
		var notFound *exec.Error
		if errors.As(err, &notFound) {
			return out, fmt.Errorf("%s: %w", name, ErrVCSNotAvailable)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}

	return out, nil
}

// ===================
// Output Parsing Utilities
// ===================

// ParseLines splits command output into non-empty lines.
// This is a common pattern for parsing VCS command output.
func ParseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}

	lines := strings.Split(string(output), "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}

	return result
}

// ContainsAny reports whether s contains any of subs, ignoring case.
func ContainsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// ===================
// Error Utilities
// ===================

// GetExitCode returns the exit code from an error, 0 for nil, or -1 if not an exit error.
func GetExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
