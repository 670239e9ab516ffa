// Package daemon wires the sync pipeline together and runs it.
//
// The daemon:
//  1. Streams file mutations from the remote agent into the event queue
//  2. Watches the working tree and pushes local writes into the same queue
//  3. Aggregates queued events into batches
//  4. Runs each batch through the orchestrator (filter, repair, commit, push)
//  5. Hot-reloads the exclusion rules file
//  6. Serves the optional status dashboard
//
// Every component runs under one errgroup; cancelling the context shuts
// them all down gracefully.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manwonyori/gitsyncd/internal/audit"
	"github.com/manwonyori/gitsyncd/internal/config"
	"github.com/manwonyori/gitsyncd/internal/dashboard"
	"github.com/manwonyori/gitsyncd/internal/debounce"
	"github.com/manwonyori/gitsyncd/internal/filter"
	"github.com/manwonyori/gitsyncd/internal/health"
	"github.com/manwonyori/gitsyncd/internal/metrics"
	"github.com/manwonyori/gitsyncd/internal/model"
	"github.com/manwonyori/gitsyncd/internal/orchestrator"
	"github.com/manwonyori/gitsyncd/internal/queue"
	"github.com/manwonyori/gitsyncd/internal/remote"
	"github.com/manwonyori/gitsyncd/internal/vcs/git"
	"github.com/manwonyori/gitsyncd/internal/watcher"
)

// Daemon owns every component for one repository.
type Daemon struct {
	cfg     *config.Config
	base    *zap.Logger
	logger  *zap.Logger
	metrics *metrics.Metrics

	repo   *model.RepoState
	driver *git.Git
	filter *filter.Filter
	audit  *audit.Log
	queue  *queue.Queue
	orch   *orchestrator.Orchestrator
	agg    *debounce.Aggregator
	remote *remote.Adapter
	dash   *dashboard.Server
}

// New opens the repository and builds the pipeline. Any error here is a
// startup failure: missing root, not a git working tree, unreadable rules
// file or an unusable state directory.
func New(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := git.Open(cfg.Root, git.OpenOptions{
		Remote:      cfg.Remote,
		Branch:      cfg.Branch,
		AutoInit:    cfg.AutoInit,
		Timeout:     cfg.OpTimeout,
		AuthorName:  cfg.AuthorName,
		AuthorEmail: cfg.AuthorEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	f, err := filter.New(filter.Options{
		Base:     cfg.Rules(),
		File:     cfg.RulesFile,
		OnReload: m.RulesReloaded,
	}, logger)
	if err != nil {
		return nil, err
	}

	var index *audit.Index
	if cfg.AuditIndex {
		index, err = audit.OpenIndex(cfg.AuditIndexPath())
		if err != nil {
			// the JSONL log alone is enough to run
			logger.Warn("audit index unavailable", zap.String("path", cfg.AuditIndexPath()), zap.Error(err))
			index = nil
		}
	}
	log, err := audit.Open(cfg.AuditPath(), index, logger)
	if err != nil {
		if index != nil {
			_ = index.Close()
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	repo := model.NewRepoState(driver.RepoRoot(), driver.Remote(), driver.Branch())
	q := queue.New(cfg.QueueHighWater, logger, m)

	orch := orchestrator.New(repo, driver,
		health.New(driver, cfg.LockGrace, logger),
		f, log,
		orchestrator.Options{AuthorName: cfg.AuthorName, AuthorEmail: cfg.AuthorEmail},
		logger, m)

	agg := debounce.New(q, orch.Submit, debounce.Config{
		QuietWindow: cfg.QuietWindow,
		MaxAge:      cfg.MaxAge,
	}, logger, m)

	d := &Daemon{
		cfg:     cfg,
		base:    logger,
		logger:  logger.With(zap.String("component", "daemon")),
		metrics: m,
		repo:    repo,
		driver:  driver,
		filter:  f,
		audit:   log,
		queue:   q,
		orch:    orch,
		agg:     agg,
	}

	if cfg.Endpoint != "" {
		d.remote = remote.New(remote.Config{
			Endpoint:       cfg.Endpoint,
			Header:         cfg.Headers(),
			Root:           driver.RepoRoot(),
			Markers:        cfg.MutationMarkers,
			ReconnectDelay: cfg.ReconnectDelay,
			Excludes:       cfg.Excludes(),
		}, q, nil, logger, m)
	}

	if cfg.DashboardAddr != "" {
		d.dash = dashboard.NewServer(dashboard.Config{
			Addr:       cfg.DashboardAddr,
			QueueDepth: q.Len,
			Metrics:    m,
		}, logger)
		h := dashboard.NewHandler(d.dash)
		agg.OnFlush(h.OnBatchFlushed)
		orch.OnResult(h.OnSyncResult)
		if d.remote != nil {
			d.remote.OnStatus(h.OnRemoteStatus)
		}
	}

	return d, nil
}

// Repo returns the managed repository state.
func (d *Daemon) Repo() *model.RepoState {
	return d.repo
}

// Queue returns the shared event queue.
func (d *Daemon) Queue() *queue.Queue {
	return d.queue
}

// Orchestrator returns the cycle runner.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Dashboard returns the status server, or nil when disabled.
func (d *Daemon) Dashboard() *dashboard.Server {
	return d.dash
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. The in-flight cycle is allowed to finish; open and queued
// batches are discarded with warnings.
func (d *Daemon) Run(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(d.driver.RepoRoot(), d.cfg.Excludes())
	if err != nil {
		return err
	}

	d.logger.Info("starting",
		zap.String("root", d.driver.RepoRoot()),
		zap.String("remote", d.repo.Remote),
		zap.String("branch", d.repo.Branch),
		zap.Duration("quiet_window", d.cfg.QuietWindow),
		zap.Duration("max_age", d.cfg.MaxAge),
		zap.Bool("remote_stream", d.remote != nil),
		zap.Bool("dashboard", d.dash != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.orch.Run(gctx) })
	g.Go(func() error { return d.agg.Run(gctx) })
	g.Go(func() error { return fw.Run(gctx, d.queue, d.base) })
	g.Go(func() error { return d.filter.Watch(gctx) })
	if d.remote != nil {
		g.Go(func() error { return d.remote.Run(gctx) })
	}
	if d.dash != nil {
		g.Go(func() error { return d.dash.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("component failed", zap.Error(err))
		return err
	}
	if n := d.queue.Len(); n > 0 {
		d.logger.Warn("discarding unprocessed events on shutdown", zap.Int("events", n))
	}
	d.logger.Info("stopped")
	return nil
}

// Once runs one synchronous cycle over paths. With no paths, every path
// git reports as changed is used.
func (d *Daemon) Once(ctx context.Context, paths []string) (model.SyncResult, error) {
	if len(paths) == 0 {
		status, err := d.driver.Status(ctx)
		if err != nil {
			return model.SyncResult{}, fmt.Errorf("list changed paths: %w", err)
		}
		for _, st := range status {
			paths = append(paths, st.Path)
		}
	}

	excludes := d.cfg.Excludes()
	var rel []string
next:
	for _, p := range paths {
		r, ok := model.NormalizePath(d.driver.RepoRoot(), p)
		if !ok {
			continue
		}
		for _, ex := range excludes {
			if model.HasPathPrefix(r, ex) {
				continue next
			}
		}
		rel = append(rel, r)
	}
	sort.Strings(rel)

	batch := model.BatchOf(model.FlushManual, model.SourceLocal, rel...)
	return d.orch.Process(ctx, batch), nil
}

// Close releases the audit log and index.
func (d *Daemon) Close() error {
	return d.audit.Close()
}
