package arbitrage

import (
	"sync/atomic"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
)

// Queue is the bounded hand-off between detection and execution. When it
// is full the newest detection is dropped and counted.
type Queue struct {
	ch      chan domain.Opportunity
	dropped atomic.Int64
	metrics *metrics.Collector
}

// NewQueue creates a queue holding at most size opportunities.
func NewQueue(size int, m *metrics.Collector) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan domain.Opportunity, size), metrics: m}
}

// Offer enqueues opp without blocking and reports whether it was accepted.
func (q *Queue) Offer(opp domain.Opportunity) bool {
	select {
	case q.ch <- opp:
		return true
	default:
		q.dropped.Add(1)
		q.metrics.RecordDropped()
		return false
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan domain.Opportunity {
	return q.ch
}

// Dropped returns how many detections were dropped.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Len is the number of queued opportunities.
func (q *Queue) Len() int {
	return len(q.ch)
}
