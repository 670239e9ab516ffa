package debounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/manwonyori/gitsyncd/internal/model"
	"github.com/manwonyori/gitsyncd/internal/queue"
)

// collector records submitted batches.
type collector struct {
	mu      sync.Mutex
	batches []*model.SyncBatch
}

func (c *collector) submit(b *model.SyncBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *collector) snapshot() []*model.SyncBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.SyncBatch(nil), c.batches...)
}

func start(t *testing.T, cfg Config, logger *zap.Logger) (*queue.Queue, *collector, *Aggregator, context.CancelFunc) {
	t.Helper()
	q := queue.New(0, nil, nil)
	c := &collector{}
	a := New(q, c.submit, cfg, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return q, c, a, stop
}

func TestRemoteAndLocalWithinWindowMakeOneBatch(t *testing.T) {
	// 10s window with events 3s apart, scaled down by 1/30.
	q, c, _, _ := start(t, Config{QuietWindow: 333 * time.Millisecond, MaxAge: 4 * time.Second}, nil)

	q.Push(model.NewChangeEvent("report.md", model.SourceRemote))
	time.Sleep(100 * time.Millisecond)
	q.Push(model.NewChangeEvent("notes.txt", model.SourceLocal))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(500 * time.Millisecond)

	batches := c.snapshot()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, []string{"notes.txt", "report.md"}, b.PathList())
	assert.Equal(t, []model.Source{model.SourceRemote, model.SourceLocal}, b.SourceList())
	assert.Equal(t, model.FlushQuietWindow, b.Reason)
	assert.True(t, b.Flushed())
	assert.GreaterOrEqual(t, b.FlushedAt.Sub(b.LastEventAt), 300*time.Millisecond)
}

func TestCoalescesDuplicatePaths(t *testing.T) {
	q, c, _, _ := start(t, Config{QuietWindow: 100 * time.Millisecond, MaxAge: 2 * time.Second}, nil)

	for i := 0; i < 20; i++ {
		q.Push(model.NewChangeEvent("same.txt", model.SourceLocal))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	b := c.snapshot()[0]
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 20, b.Sources[model.SourceLocal])
}

func TestMaxAgeCeiling(t *testing.T) {
	q, c, _, _ := start(t, Config{QuietWindow: 150 * time.Millisecond, MaxAge: 400 * time.Millisecond}, nil)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				q.Push(model.NewChangeEvent("busy.log", model.SourceLocal))
			}
		}
	}()

	require.Eventually(t, func() bool { return len(c.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	close(stop)

	first := c.snapshot()[0]
	assert.Equal(t, model.FlushMaxAge, first.Reason)
	age := first.FlushedAt.Sub(first.OpenedAt)
	assert.GreaterOrEqual(t, age, 350*time.Millisecond)
	assert.Less(t, age, time.Second)
}

func TestNewEventsOpenNewBatchAfterFlush(t *testing.T) {
	q, c, _, _ := start(t, Config{QuietWindow: 80 * time.Millisecond, MaxAge: time.Second}, nil)

	q.Push(model.NewChangeEvent("a.txt", model.SourceLocal))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	q.Push(model.NewChangeEvent("b.txt", model.SourceRemote))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	batches := c.snapshot()
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
	assert.Equal(t, []string{"a.txt"}, batches[0].PathList())
	assert.Equal(t, []string{"b.txt"}, batches[1].PathList())
}

func TestShutdownDiscardsOpenBatch(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	q, c, a, stop := start(t, Config{QuietWindow: time.Hour, MaxAge: time.Hour}, zap.New(core))

	q.Push(model.NewChangeEvent("pending.txt", model.SourceLocal))
	require.Eventually(t, func() bool { return a.State() == StateOpen }, time.Second, 5*time.Millisecond)

	stop()

	assert.Empty(t, c.snapshot())
	assert.Equal(t, 1, logs.FilterMessage("discarding open batch on shutdown").Len())
	assert.Equal(t, StateEmpty, a.State())
}

func TestOnFlushObserver(t *testing.T) {
	q := queue.New(0, nil, nil)
	c := &collector{}
	var observed []*model.SyncBatch
	var mu sync.Mutex

	a := New(q, c.submit, Config{QuietWindow: 50 * time.Millisecond, MaxAge: time.Second}, nil, nil)
	a.OnFlush(func(b *model.SyncBatch) {
		mu.Lock()
		observed = append(observed, b)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	q.Push(model.NewChangeEvent("x", model.SourceLocal))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, c.snapshot()[0].ID, observed[0].ID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "EMPTY", StateEmpty.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "FLUSHING", StateFlushing.String())
}

func TestDefaults(t *testing.T) {
	a := New(queue.New(0, nil, nil), func(*model.SyncBatch) {}, Config{}, nil, nil)
	assert.Equal(t, DefaultConfig(), a.cfg)
}
