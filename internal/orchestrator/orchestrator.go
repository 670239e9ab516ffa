// Package orchestrator runs sync cycles.
//
// One worker takes flushed batches in FIFO order and drives each through
// the cycle state machine:
//
//	IDLE → FILTERING → REPAIRING → STAGING → COMMITTING → PUSHING → [REBASE_RETRY] → DONE | FAILED
//
// Every cycle ends in exactly one SyncResult, which is appended to the
// audit log before observers see it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/audit"
	"github.com/manwonyori/gitsyncd/internal/filter"
	"github.com/manwonyori/gitsyncd/internal/health"
	"github.com/manwonyori/gitsyncd/internal/metrics"
	"github.com/manwonyori/gitsyncd/internal/model"
	"github.com/manwonyori/gitsyncd/internal/vcs"
)

// workerID identifies the single cycle worker in RepoState.HeldBy.
const workerID = "sync-worker"

// Checker partitions a batch's paths.
type Checker interface {
	Check(paths []string) filter.Result
}

// HealthChecker probes the repository and repairs it at most once.
// Repair is used directly when staging or committing reports a corrupt
// index the probe did not catch.
type HealthChecker interface {
	Ensure(ctx context.Context) (repaired bool, err error)
	Repair(ctx context.Context) error
}

// Recorder persists cycle results.
type Recorder interface {
	Append(res model.SyncResult) (audit.Record, error)
}

// Observer is notified of every result after it has been recorded.
type Observer func(model.SyncResult)

// Options carries identity overrides for commits.
type Options struct {
	AuthorName  string
	AuthorEmail string
}

// Orchestrator serializes sync cycles for one repository.
type Orchestrator struct {
	repo    *model.RepoState
	driver  vcs.Driver
	health  HealthChecker
	filter  Checker
	audit   Recorder
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	pending   []*model.SyncBatch
	wake      chan struct{}
	observers []Observer
}

// New creates an orchestrator. audit may be nil in tests and one-off runs.
func New(repo *model.RepoState, driver vcs.Driver, hc HealthChecker, f Checker, rec Recorder, opts Options, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:    repo,
		driver:  driver,
		health:  hc,
		filter:  f,
		audit:   rec,
		opts:    opts,
		logger:  logger.With(zap.String("component", "orchestrator")),
		metrics: m,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// OnResult registers an observer. Observers run on the worker goroutine
// and must not block.
func (o *Orchestrator) OnResult(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Submit enqueues a flushed batch. It never blocks.
func (o *Orchestrator) Submit(batch *model.SyncBatch) {
	o.mu.Lock()
	o.pending = append(o.pending, batch)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of batches waiting for the worker.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Orchestrator) next() *model.SyncBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil
	}
	b := o.pending[0]
	o.pending[0] = nil
	o.pending = o.pending[1:]
	return b
}

// Run is the single worker loop. It returns nil when ctx is cancelled;
// the in-flight cycle runs to completion and queued batches are dropped.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.discardPending()
			return nil
		case <-o.wake:
		}

		for ctx.Err() == nil {
			b := o.next()
			if b == nil {
				break
			}
			o.Process(context.WithoutCancel(ctx), b)
		}
	}
}

func (o *Orchestrator) discardPending() {
	o.mu.Lock()
	dropped := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, b := range dropped {
		o.logger.Warn("discarding queued batch on shutdown",
			zap.String("batch_id", b.ID.String()),
			zap.Int("paths", b.Len()))
	}
}

// cycle accumulates one SyncResult.
type cycle struct {
	res   model.SyncResult
	start time.Time
}

func (c *cycle) enter(s model.State) {
	c.res.Transitions = append(c.res.Transitions, s)
	c.res.FinalState = s
}

func (c *cycle) done(kind model.ErrorKind) {
	c.res.Error = kind
	c.enter(model.StateDone)
}

func (c *cycle) fail(kind model.ErrorKind, err error) {
	if kind == model.KindNone || kind == model.KindNothingToCommit {
		kind = model.KindUnknown
	}
	c.res.Error = kind
	if err != nil {
		c.res.ErrorDetail = err.Error()
	}
	c.enter(model.StateFailed)
}

// Process runs one cycle for batch synchronously and returns its result.
func (o *Orchestrator) Process(ctx context.Context, batch *model.SyncBatch) model.SyncResult {
	c := &cycle{start: o.now()}
	c.res.BatchID = batch.ID
	c.res.Paths = batch.PathList()
	c.res.Sources = batch.SourceList()
	c.res.FlushReason = batch.Reason
	c.res.StartedAt = c.start
	c.enter(model.StateIdle)

	if err := o.repo.Acquire(workerID); err != nil {
		c.fail(model.KindUnknown, err)
		return o.finish(c)
	}
	defer o.repo.Release(workerID)

	o.run(ctx, c, batch)
	return o.finish(c)
}

func (o *Orchestrator) run(ctx context.Context, c *cycle, batch *model.SyncBatch) {
	c.enter(model.StateFiltering)
	fr := o.filter.Check(c.res.Paths)
	c.res.FilteredPaths = fr.Blocked
	c.res.IgnoredPaths = fr.Ignored
	if fr.HasBlocked() {
		c.fail(model.KindSensitiveContentDetected,
			fmt.Errorf("sensitive paths in batch: %s", strings.Join(fr.Blocked, ", ")))
		return
	}
	if len(fr.Allowed) == 0 {
		c.done(model.KindNothingToCommit)
		return
	}

	c.enter(model.StateRepairing)
	repaired, err := o.health.Ensure(ctx)
	c.res.RepairedIndex = repaired
	if err != nil {
		kind := vcs.KindOf(err)
		if errors.Is(err, health.ErrUnrepairable) {
			kind = model.KindRepositoryUnrepairable
		}
		c.fail(kind, err)
		return
	}

	id, err := o.stageAndCommit(ctx, c, batch, fr.Allowed)
	if errors.Is(err, vcs.ErrIndexCorruption) && !c.res.RepairedIndex {
		c.enter(model.StateRepairing)
		c.res.RepairedIndex = true
		c.res.Staged = false
		o.logger.Warn("index corrupt during cycle, repairing once",
			zap.String("batch_id", batch.ID.String()), zap.Error(err))
		if rerr := o.health.Repair(ctx); rerr != nil {
			c.fail(model.KindRepositoryUnrepairable, fmt.Errorf("%w: repair: %w", health.ErrUnrepairable, rerr))
			return
		}
		id, err = o.stageAndCommit(ctx, c, batch, fr.Allowed)
	}
	switch {
	case errors.Is(err, vcs.ErrNothingToCommit):
		c.done(model.KindNothingToCommit)
		return
	case errors.Is(err, vcs.ErrIndexCorruption):
		c.fail(model.KindRepositoryUnrepairable, fmt.Errorf("%w: %w", health.ErrUnrepairable, err))
		return
	case err != nil:
		c.fail(vcs.KindOf(err), err)
		return
	}
	c.res.Committed = true
	c.res.CommitID = id

	c.enter(model.StatePushing)
	push := vcs.PushOptions{Remote: o.repo.Remote, Branch: o.repo.Branch}
	err = o.driver.Push(ctx, push)
	switch {
	case err == nil:
		c.res.Pushed = true
		c.done(model.KindNone)
		return
	case errors.Is(err, vcs.ErrNoRemote):
		o.logger.Debug("no remote configured; commit kept local", zap.String("commit", id))
		c.done(model.KindNone)
		return
	case !vcs.IsRetryable(err):
		c.fail(vcs.KindOf(err), err)
		return
	}

	c.enter(model.StateRebaseRetry)
	c.res.RebaseRetried = true
	o.logger.Info("push rejected, rebasing once", zap.String("batch_id", batch.ID.String()))
	if err := o.driver.PullRebase(ctx, vcs.PullOptions{Remote: push.Remote, Branch: push.Branch}); err != nil {
		c.fail(vcs.KindOf(err), err)
		return
	}
	if head, err := o.driver.HeadCommit(ctx); err == nil && head != "" {
		c.res.CommitID = head
	}
	if err := o.driver.Push(ctx, push); err != nil {
		kind := vcs.KindOf(err)
		if errors.Is(err, vcs.ErrNoRemote) {
			kind = model.KindUnknown
		}
		c.fail(kind, err)
		return
	}
	c.res.Pushed = true
	c.done(model.KindNone)
}

// stageAndCommit runs STAGING and COMMITTING. The commit is limited to
// the allowed paths so nothing staged outside the batch is recorded.
func (o *Orchestrator) stageAndCommit(ctx context.Context, c *cycle, batch *model.SyncBatch, allowed []string) (string, error) {
	c.enter(model.StateStaging)
	if err := o.driver.Stage(ctx, allowed); err != nil {
		return "", err
	}
	c.res.Staged = true

	c.enter(model.StateCommitting)
	return o.driver.Commit(ctx, vcs.CommitOptions{
		Message:     CommitMessage(batch, allowed, o.now()),
		AuthorName:  o.opts.AuthorName,
		AuthorEmail: o.opts.AuthorEmail,
		Paths:       allowed,
	})
}

// finish records the result and notifies observers.
func (o *Orchestrator) finish(c *cycle) model.SyncResult {
	c.res.DurationMS = o.now().Sub(c.start).Milliseconds()
	res := c.res

	fields := []zap.Field{
		zap.String("batch_id", res.BatchID.String()),
		zap.String("state", string(res.FinalState)),
		zap.Int("paths", len(res.Paths)),
		zap.Int64("duration_ms", res.DurationMS),
	}
	if res.CommitID != "" {
		fields = append(fields, zap.String("commit", res.CommitID))
	}
	if res.Error != model.KindNone {
		fields = append(fields, zap.String("error_kind", string(res.Error)))
	}
	if res.Failed() {
		fields = append(fields, zap.String("error", res.ErrorDetail))
		o.logger.Error("sync cycle failed", fields...)
	} else {
		o.logger.Info("sync cycle finished", fields...)
	}

	if o.audit != nil {
		if _, err := o.audit.Append(res); err != nil {
			o.logger.Error("failed to write audit record", zap.String("batch_id", res.BatchID.String()), zap.Error(err))
		}
	}
	o.metrics.CycleCompleted(res)

	o.mu.Lock()
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	for _, fn := range observers {
		fn(res)
	}
	return res
}
