// Package queue is the unbounded FIFO shared by the event producers and
// the aggregator. Producers never block; depth is exported as a gauge and
// a warning is logged each time it crosses the high-water mark.
package queue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/metrics"
	"github.com/manwonyori/gitsyncd/internal/model"
)

// DefaultHighWater is the depth above which a warning is logged.
const DefaultHighWater = 10000

// Queue holds change events in arrival order.
type Queue struct {
	mu     sync.Mutex
	events []model.ChangeEvent
	// ready has capacity 1 and is signalled whenever events is non-empty.
	ready chan struct{}

	highWater int
	above     bool
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates an empty queue. A non-positive highWater uses DefaultHighWater.
func New(highWater int, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ready:     make(chan struct{}, 1),
		highWater: highWater,
		logger:    logger.With(zap.String("component", "queue")),
		metrics:   m,
	}
}

// Push appends an event. It never blocks.
func (q *Queue) Push(ev model.ChangeEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	depth := len(q.events)
	crossed := depth > q.highWater && !q.above
	if crossed {
		q.above = true
	}
	q.mu.Unlock()

	q.metrics.EventReceived(ev.Source)
	q.metrics.SetQueueDepth(depth)
	if crossed {
		q.logger.Warn("event queue above high-water mark", zap.Int("depth", depth), zap.Int("high_water", q.highWater))
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after a Push; receive from it, then Drain.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued event in arrival order.
func (q *Queue) Drain() []model.ChangeEvent {
	q.mu.Lock()
	out := q.events
	q.events = nil
	q.above = false
	q.mu.Unlock()

	q.metrics.SetQueueDepth(0)
	return out
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
