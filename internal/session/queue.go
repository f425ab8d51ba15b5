package session

import (
	"sync"

	"github.com/roach88/lockstep/internal/protocol"
)

// item is one unit of work for the session loop: a peer message or a task.
// A zero item only wakes the loop so pending closes are drained.
type item struct {
	msg   *protocol.Message
	task  func()
	reply chan error
}

// inbox is a thread-safe FIFO feeding the session loop.
//
// It is unbounded so that strands and ask goroutines never block while
// posting. The buffered signal channel lets the loop wait with select.
type inbox struct {
	mu     sync.Mutex
	items  []item
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		items:  make([]item, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds it to the back of the queue. Returns false once closed.
func (q *inbox) Enqueue(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking.
func (q *inbox) TryDequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// Wait returns a channel that signals when items may be available. It is
// closed when the inbox closes.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *inbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting items and returns whatever was still queued.
func (q *inbox) Close() []item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	rest := q.items
	q.items = nil
	return rest
}
