// Package debounce coalesces change events into batches.
//
// The aggregator moves through EMPTY -> OPEN -> FLUSHING -> EMPTY. The
// first event opens a batch and arms two timers: the quiet window, reset
// by every later event, and the max age, which is never reset. Whichever
// fires first flushes the batch to the submit function.
package debounce

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/metrics"
	"github.com/manwonyori/gitsyncd/internal/model"
	"github.com/manwonyori/gitsyncd/internal/queue"
)

// State is the aggregator's position in its cycle.
type State int32

const (
	StateEmpty State = iota
	StateOpen
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateOpen:
		return "OPEN"
	case StateFlushing:
		return "FLUSHING"
	default:
		return "UNKNOWN"
	}
}

// Config holds the two flush timers.
type Config struct {
	// QuietWindow flushes a batch once no event has arrived for this long.
	QuietWindow time.Duration

	// MaxAge flushes a batch this long after it opened, even if events
	// keep arriving.
	MaxAge time.Duration
}

// DefaultConfig returns the default timers.
func DefaultConfig() Config {
	return Config{
		QuietWindow: 10 * time.Second,
		MaxAge:      2 * time.Minute,
	}
}

// SubmitFunc receives flushed batches. It must not block.
type SubmitFunc func(*model.SyncBatch)

// Aggregator drains the shared queue into batches.
type Aggregator struct {
	cfg     Config
	queue   *queue.Queue
	submit  SubmitFunc
	onFlush []SubmitFunc
	logger  *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32
}

// New creates an aggregator reading from q.
func New(q *queue.Queue, submit SubmitFunc, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	def := DefaultConfig()
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = def.QuietWindow
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:     cfg,
		queue:   q,
		submit:  submit,
		logger:  logger.With(zap.String("component", "aggregator")),
		metrics: m,
	}
}

// OnFlush registers an observer called after each batch is submitted.
// Must be called before Run.
func (a *Aggregator) OnFlush(fn SubmitFunc) {
	a.onFlush = append(a.onFlush, fn)
}

// State returns the current state.
func (a *Aggregator) State() State {
	return State(a.state.Load())
}

// Run aggregates until ctx is done. An open batch is discarded on shutdown.
func (a *Aggregator) Run(ctx context.Context) error {
	var (
		batch  *model.SyncBatch
		quiet  *time.Timer
		maxAge *time.Timer
		// nil channels block forever while no batch is open
		quietC  <-chan time.Time
		maxAgeC <-chan time.Time
	)

	stopTimers := func() {
		if quiet != nil {
			quiet.Stop()
		}
		if maxAge != nil {
			maxAge.Stop()
		}
		quietC, maxAgeC = nil, nil
	}
	defer stopTimers()

	flush := func(reason model.FlushReason) {
		a.state.Store(int32(StateFlushing))
		stopTimers()

		batch.Flush(time.Now(), reason)
		a.logger.Info("batch flushed",
			zap.String("batch_id", batch.ID.String()),
			zap.String("reason", string(reason)),
			zap.Int("paths", batch.Len()),
		)
		a.metrics.BatchFlushed(reason)
		a.submit(batch)
		for _, fn := range a.onFlush {
			fn(batch)
		}

		batch = nil
		a.state.Store(int32(StateEmpty))
	}

	for {
		select {
		case <-ctx.Done():
			if batch != nil {
				a.logger.Warn("discarding open batch on shutdown",
					zap.String("batch_id", batch.ID.String()),
					zap.Strings("paths", batch.PathList()),
				)
			}
			a.state.Store(int32(StateEmpty))
			return nil

		case <-a.queue.Ready():
			events := a.queue.Drain()
			if len(events) == 0 {
				continue
			}
			if batch == nil {
				batch = model.NewSyncBatch(events[0].ObservedAt)
				quiet = time.NewTimer(a.cfg.QuietWindow)
				maxAge = time.NewTimer(a.cfg.MaxAge)
				quietC, maxAgeC = quiet.C, maxAge.C
				a.state.Store(int32(StateOpen))
				a.logger.Debug("batch opened", zap.String("batch_id", batch.ID.String()))
			} else {
				quiet.Reset(a.cfg.QuietWindow)
			}
			for _, ev := range events {
				batch.Add(ev)
			}

		case <-quietC:
			flush(model.FlushQuietWindow)

		case <-maxAgeC:
			flush(model.FlushMaxAge)
		}
	}
}
