// Package health checks that a repository index is usable before a sync
// cycle stages anything, and repairs it at most once when it is not.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/vcs"
)

// DefaultLockGrace is how old index.lock must be before it counts as stale.
const DefaultLockGrace = 2 * time.Second

// ErrUnrepairable is returned when the repository is still unhealthy
// after the single repair attempt.
var ErrUnrepairable = errors.New("repository unrepairable")

// ErrStaleLock is wrapped with vcs.ErrIndexCorruption when a leftover
// index.lock is found.
var ErrStaleLock = errors.New("stale index.lock")

// Repo is the part of vcs.Driver the monitor uses.
type Repo interface {
	VCSDir() string
	Status(ctx context.Context, paths ...string) ([]vcs.FileStatus, error)
	ResetIndex(ctx context.Context) error
}

// Monitor probes and repairs one repository.
type Monitor struct {
	repo   Repo
	grace  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates a monitor. A non-positive grace uses DefaultLockGrace.
func New(repo Repo, grace time.Duration, logger *zap.Logger) *Monitor {
	if grace <= 0 {
		grace = DefaultLockGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		repo:   repo,
		grace:  grace,
		logger: logger.With(zap.String("component", "health")),
		now:    time.Now,
	}
}

func (m *Monitor) lockPath() string {
	return filepath.Join(m.repo.VCSDir(), "index.lock")
}

func (m *Monitor) indexPath() string {
	return filepath.Join(m.repo.VCSDir(), "index")
}

// Probe reports whether the repository is usable. A lock older than the
// grace period or an unreadable index yields an error wrapping
// vcs.ErrIndexCorruption; other status failures are returned as is.
func (m *Monitor) Probe(ctx context.Context) error {
	info, err := os.Stat(m.lockPath())
	switch {
	case err == nil:
		if age := m.now().Sub(info.ModTime()); age >= m.grace {
			return fmt.Errorf("%w: %w (age %s)", vcs.ErrIndexCorruption, ErrStaleLock, age.Truncate(time.Millisecond))
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat index.lock: %w", err)
	}

	if _, err := m.repo.Status(ctx); err != nil {
		return err
	}
	return nil
}

// Ensure probes the repository and, if the index is corrupt or locked,
// performs one repair and probes again. repaired reports whether the
// repair ran. A repository still unhealthy afterwards yields ErrUnrepairable.
func (m *Monitor) Ensure(ctx context.Context) (repaired bool, err error) {
	perr := m.Probe(ctx)
	if perr == nil {
		return false, nil
	}
	if !errors.Is(perr, vcs.ErrIndexCorruption) {
		return false, perr
	}

	m.logger.Warn("index unhealthy, repairing", zap.Error(perr))
	if err := m.Repair(ctx); err != nil {
		return true, fmt.Errorf("%w: repair: %w", ErrUnrepairable, err)
	}

	if err := m.Probe(ctx); err != nil {
		return true, fmt.Errorf("%w: %w", ErrUnrepairable, err)
	}

	m.logger.Info("index repaired")
	return true, nil
}

// Repair removes index.lock and the index, then rebuilds the index from
// HEAD. Working-tree files are never touched.
func (m *Monitor) Repair(ctx context.Context) error {
	for _, p := range []string{m.lockPath(), m.indexPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return m.repo.ResetIndex(ctx)
}
