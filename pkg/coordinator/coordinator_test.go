package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/codedj/pkg/datastore"
	"github.com/cuemby/codedj/pkg/queue"
)

// fakeUpdater records every project id it was asked to update and lets
// tests control latency and failure per call.
type fakeUpdater struct {
	mu      sync.Mutex
	seen    []uint64
	concMax int32
	conc    int32
	delay   time.Duration
	failIDs map[uint64]bool
}

func (f *fakeUpdater) Update(ctx context.Context, projectID uint64, force bool) error {
	n := atomic.AddInt32(&f.conc, 1)
	defer atomic.AddInt32(&f.conc, -1)
	for {
		max := atomic.LoadInt32(&f.concMax)
		if n <= max {
			break
		}
		if atomic.CompareAndSwapInt32(&f.concMax, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, projectID)
	fail := f.failIDs[projectID]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return context.DeadlineExceeded
	}
	return nil
}

func openTestDatastore(t *testing.T) *datastore.Datastore {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, datastore.Create(dir))
	ds, err := datastore.Open(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestRunDispatchesAllTasks(t *testing.T) {
	ds := openTestDatastore(t)
	q := queue.New(8)
	fu := &fakeUpdater{}

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: i}))
	}
	q.Cancel()

	c := New(Config{Datastore: ds, Queue: q, Worker: fu, NumThreads: 3})
	require.NoError(t, c.Run(context.Background()))

	fu.mu.Lock()
	defer fu.mu.Unlock()
	require.Len(t, fu.seen, 5)

	progress := c.Progress()
	require.Equal(t, int64(5), progress.Dispatched)
	require.Equal(t, int64(5), progress.Succeeded)
	require.Equal(t, int64(0), progress.Failed)
	require.Equal(t, 0, progress.Busy)
}

func TestRunRespectsThreadLimit(t *testing.T) {
	ds := openTestDatastore(t)
	q := queue.New(8)
	fu := &fakeUpdater{delay: 30 * time.Millisecond}

	for i := uint64(1); i <= 6; i++ {
		require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: i}))
	}
	q.Cancel()

	c := New(Config{Datastore: ds, Queue: q, Worker: fu, NumThreads: 2})
	require.NoError(t, c.Run(context.Background()))

	require.LessOrEqual(t, int(atomic.LoadInt32(&fu.concMax)), 2)
}

func TestRunCountsFailures(t *testing.T) {
	ds := openTestDatastore(t)
	q := queue.New(8)
	fu := &fakeUpdater{failIDs: map[uint64]bool{2: true}}

	require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: 1}))
	require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: 2}))
	q.Cancel()

	c := New(Config{Datastore: ds, Queue: q, Worker: fu})
	require.NoError(t, c.Run(context.Background()))

	progress := c.Progress()
	require.Equal(t, int64(1), progress.Succeeded)
	require.Equal(t, int64(1), progress.Failed)
}

func TestDuplicateProjectInFlightIsDropped(t *testing.T) {
	ds := openTestDatastore(t)
	q := queue.New(8)
	fu := &fakeUpdater{delay: 200 * time.Millisecond}

	// The same project queued twice: the second pop happens while the
	// first update is still sleeping, so the busy-set must reject it.
	require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: 7}))
	require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: 7}))
	q.Cancel()

	c := New(Config{Datastore: ds, Queue: q, Worker: fu, NumThreads: 4})

	// Watch for the in-flight window from a side goroutine: Busy must
	// reach exactly 1 (never 2) while the first update sleeps.
	busySeen := make(chan int, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if b := c.Progress().Busy; b > 0 {
				busySeen <- b
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		busySeen <- 0
	}()

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, 1, <-busySeen, "exactly one update for the project should have been in flight")

	fu.mu.Lock()
	seen := append([]uint64(nil), fu.seen...)
	fu.mu.Unlock()
	require.Equal(t, []uint64{7}, seen, "duplicate task must be dropped, not dispatched")

	progress := c.Progress()
	require.Equal(t, int64(1), progress.Dispatched)
	require.Equal(t, 0, progress.Busy)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ds := openTestDatastore(t)
	q := queue.New(16)
	fu := &fakeUpdater{delay: time.Second}

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, q.Push(context.Background(), queue.Task{ProjectID: i}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(Config{Datastore: ds, Queue: q, Worker: fu, NumThreads: 2})
	require.NoError(t, c.Run(ctx))

	// Only as many tasks as fit in the thread pool before the deadline
	// should have been dispatched; Run drains the rest from the queue.
	require.Less(t, len(fu.seen), 10)
}
