package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// DefaultQueueCapacity bounds each per-stream input queue
const DefaultQueueCapacity = 1024

// Queue is a bounded FIFO of bars for one stream. The feed or the
// prefetcher pushes; only the coordinator merge loop pops.
type Queue struct {
	stream    domain.StreamID
	ch        chan domain.Bar
	closeOnce sync.Once
	closed    chan struct{}
	dropped   atomic.Uint64
}

// NewQueue creates a queue for one stream
func NewQueue(stream domain.StreamID, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		stream: stream,
		ch:     make(chan domain.Bar, capacity),
		closed: make(chan struct{}),
	}
}

// Stream returns the stream this queue carries
func (q *Queue) Stream() domain.StreamID { return q.stream }

// Push enqueues a bar, blocking while the queue is full. Returns
// ErrClosed after Close.
func (q *Queue) Push(bar domain.Bar) error {
	select {
	case <-q.closed:
		return domain.ErrClosed
	default:
	}
	select {
	case q.ch <- bar:
		return nil
	case <-q.closed:
		return domain.ErrClosed
	}
}

// TryPush enqueues a bar without blocking. A full queue drops the bar
// and bumps the drop counter.
func (q *Queue) TryPush(bar domain.Bar) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- bar:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop dequeues the next bar, waiting up to the timeout. The second
// return is false on timeout or after Close with an empty queue.
func (q *Queue) Pop(timeout time.Duration) (domain.Bar, bool) {
	// Drain before reporting closed
	select {
	case bar := <-q.ch:
		return bar, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case bar := <-q.ch:
		return bar, true
	case <-q.closed:
		select {
		case bar := <-q.ch:
			return bar, true
		default:
			return domain.Bar{}, false
		}
	case <-timer.C:
		return domain.Bar{}, false
	}
}

// TryPop dequeues without waiting
func (q *Queue) TryPop() (domain.Bar, bool) {
	select {
	case bar := <-q.ch:
		return bar, true
	default:
		return domain.Bar{}, false
	}
}

// Len returns the number of queued bars
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns how many bars TryPush discarded
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Close wakes blocked producers and consumers. Queued bars remain
// poppable until drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Drain discards all queued bars and returns how many were dropped
func (q *Queue) Drain() int {
	count := 0
	for {
		select {
		case <-q.ch:
			count++
		default:
			return count
		}
	}
}
