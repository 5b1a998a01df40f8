package monitor

import (
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/lvonguyen/secmon/internal/security"
)

// job is either an event to process or a flush barrier.
type job struct {
	event   *security.Event
	link    trace.Link
	barrier chan struct{}
}

// queue is an unbounded FIFO drained by exactly one worker, so producers
// never block on slow processing.
type queue struct {
	mu     sync.Mutex
	items  []*job
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// push appends j unless the queue is closed. onAccept runs under the queue
// lock, so anything it stamps is ordered the same way as the queue.
func (q *queue) push(j *job, onAccept func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if onAccept != nil {
		onAccept()
	}
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a job is available. It returns false once the queue is
// closed and empty.
func (q *queue) pop() (*job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return j, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
