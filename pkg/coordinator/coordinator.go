// Package coordinator owns the fixed-size worker pool that turns the
// Update Queue into calls to the Updater Worker: it dispatches tasks,
// guarantees at-most-one concurrent update per project id, aggregates
// progress, and drains cleanly on cancellation.
package coordinator

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/datastore"
	"github.com/cuemby/codedj/pkg/log"
	"github.com/cuemby/codedj/pkg/metrics"
	"github.com/cuemby/codedj/pkg/queue"
)

// ProjectUpdater is the single method of *updater.Worker the Coordinator
// depends on; tests substitute a fake to exercise dispatch, busy-set, and
// cancellation behavior without a real clone.
type ProjectUpdater interface {
	Update(ctx context.Context, projectID uint64, force bool) error
}

// Config bundles the collaborators and tuning knobs a Coordinator needs.
type Config struct {
	Datastore *datastore.Datastore
	Queue     *queue.Queue
	Worker    ProjectUpdater
	// NumThreads is the size of the worker pool, 16 when unset.
	NumThreads int
	// Op names the command-log entry Run records, "update-all" when
	// unset; `codedj update-project` passes its own op name here.
	Op string
}

// Progress is a point-in-time snapshot of the coordinator's run, safe to
// read concurrently with Run via Coordinator.Progress.
type Progress struct {
	Dispatched int64
	Succeeded  int64
	Failed     int64
	Busy       int
}

// Coordinator runs the updater worker pool: it pops
// tasks off the Update Queue and dispatches them across NumThreads
// goroutines bounded by a weighted semaphore, tracking an in-memory
// busy-set so a project can never be updated by two workers at once.
type Coordinator struct {
	ds     *datastore.Datastore
	q      *queue.Queue
	worker ProjectUpdater
	sem    *semaphore.Weighted
	op     string

	mu   sync.Mutex
	busy map[uint64]bool

	dispatched, succeeded, failed int64
}

const defaultNumThreads = 16

// New returns a Coordinator ready for Run.
func New(cfg Config) *Coordinator {
	n := cfg.NumThreads
	if n <= 0 {
		n = defaultNumThreads
	}
	op := cfg.Op
	if op == "" {
		op = "update-all"
	}
	return &Coordinator{
		ds:     cfg.Datastore,
		q:      cfg.Queue,
		worker: cfg.Worker,
		sem:    semaphore.NewWeighted(int64(n)),
		op:     op,
		busy:   make(map[uint64]bool),
	}
}

// Run blocks until the queue is exhausted or ctx is cancelled. On
// cancellation it stops popping new tasks, waits for in-flight workers
// to finish their current project (their "next safe point" being the
// Updater Worker's own per-commit cancellation check), and returns once
// every dispatched goroutine has joined.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := log.WithComponent("coordinator")
	correlation, _ := c.ds.CommandLog().Begin(c.op, "")

	// A plain errgroup.Group (not WithContext) joins the dispatched
	// goroutines without tying their lifetime to each other: dispatch
	// always returns nil, so one project's failure never cancels its
	// siblings, only the per-project outcome counters record it.
	var g errgroup.Group
	defer g.Wait()

	for {
		task, ok, err := c.q.Pop(ctx)
		if err != nil {
			if kind, ok := codedjerr.KindOf(err); ok && kind == codedjerr.Cancelled {
				break
			}
			c.ds.CommandLog().Complete(correlation, c.op, "error", err.Error())
			return err
		}
		if !ok {
			break
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for a free slot; the task
			// is lost from the in-memory queue but the datastore itself
			// is untouched, matching the "drain the queue on shutdown"
			// contract without requeuing partial work.
			break
		}

		if c.markBusy(task.ProjectID) {
			g.Go(func() error {
				defer c.sem.Release(1)
				defer c.clearBusy(task.ProjectID)
				c.dispatch(ctx, task, logger)
				return nil
			})
		} else {
			// Already in flight (can happen if the same project was
			// pushed twice before the first update finished); drop this
			// duplicate rather than block the pool on it.
			c.sem.Release(1)
		}

		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		if dropped := c.q.Drain(); len(dropped) > 0 {
			logger.Info().Int("dropped", len(dropped)).Msg("drained pending tasks on shutdown")
		}
	}
	g.Wait()
	c.ds.CommandLog().Complete(correlation, c.op, "ok", c.Progress().summary())
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, t queue.Task, logger zerolog.Logger) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	c.mu.Lock()
	c.dispatched++
	c.mu.Unlock()

	if err := c.worker.Update(ctx, t.ProjectID, t.Force); err != nil {
		logger.Warn().Err(err).Uint64("project_id", t.ProjectID).Msg("project update failed")
		c.mu.Lock()
		c.failed++
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.succeeded++
	c.mu.Unlock()
}

func (c *Coordinator) markBusy(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[id] {
		return false
	}
	c.busy[id] = true
	return true
}

func (c *Coordinator) clearBusy(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, id)
}

// Progress returns a snapshot of the run's counters, safe to call from
// another goroutine (e.g. a CLI progress line) while Run is in flight.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Dispatched: c.dispatched,
		Succeeded:  c.succeeded,
		Failed:     c.failed,
		Busy:       len(c.busy),
	}
}

func (p Progress) summary() string {
	return "dispatched=" + strconv.FormatInt(p.Dispatched, 10) +
		" succeeded=" + strconv.FormatInt(p.Succeeded, 10) +
		" failed=" + strconv.FormatInt(p.Failed, 10)
}
