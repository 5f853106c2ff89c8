// Package queue implements the bounded MPMC update queue: the pending
// set of per-project update tasks the Coordinator dispatches to its
// worker pool.
package queue

import (
	"context"
	"sync"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/metrics"
)

// Task is one unit of work requesting a project's incremental refresh.
type Task struct {
	ProjectID uint64
	Force     bool
}

// Queue is a bounded, cancellable FIFO of Tasks. Multiple producers may
// Push concurrently with multiple consumers calling Pop; after Cancel,
// Pop hands out the tasks still queued and then returns
// codedjerr.Cancelled. A cancelled queue stays cancelled.
type Queue struct {
	capacity int

	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	items     []Task
	cancelled bool
}

// New returns an empty Queue that holds at most capacity pending tasks.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues t, blocking while the queue is at capacity. It returns
// codedjerr.Cancelled if the queue is cancelled before or during the
// wait, or if ctx is done.
func (q *Queue) Push(ctx context.Context, t Task) error {
	cancelWatch := make(chan struct{})
	defer close(cancelWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notFull.Broadcast()
			q.mu.Unlock()
		case <-cancelWatch:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.cancelled && len(q.items) >= q.capacity && ctx.Err() == nil {
		q.notFull.Wait()
	}
	if q.cancelled {
		return codedjerr.New(codedjerr.Cancelled, "queue.push", nil, "queue is cancelled")
	}
	if err := ctx.Err(); err != nil {
		return codedjerr.Wrap(codedjerr.Cancelled, "queue.push", err)
	}
	q.items = append(q.items, t)
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.notEmpty.Broadcast()
	return nil
}

// Pop removes and returns the oldest pending task, blocking until one
// is available. It returns ok=false with a codedjerr.Cancelled error if
// the queue is cancelled, or ctx is done, before an item arrives;
// already-queued items are still handed out after cancellation so a
// shutdown can drain its backlog.
func (q *Queue) Pop(ctx context.Context) (t Task, ok bool, err error) {
	cancelWatch := make(chan struct{})
	defer close(cancelWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-cancelWatch:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.cancelled && len(q.items) == 0 && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		if q.cancelled {
			return Task{}, false, codedjerr.New(codedjerr.Cancelled, "queue.pop", nil, "queue is cancelled")
		}
		return Task{}, false, codedjerr.Wrap(codedjerr.Cancelled, "queue.pop", ctx.Err())
	}
	t = q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.notFull.Broadcast()
	return t, true, nil
}

// Drain removes every pending task without affecting in-flight workers,
// and returns what was discarded. Used when the coordinator shuts down.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	q.notFull.Broadcast()
	return drained
}

// Cancel makes every blocked and future Push return immediately with
// codedjerr.Cancelled; Pop returns it once the queue is empty.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Size returns the number of pending (not yet popped) tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
