// Package serializer runs a scope's storage work one unit at a time.
//
// Each scope owns one Queue. Units run strictly in submission order on a
// single consumer goroutine, so a unit observes every effect of the units
// submitted before it. Scan reconciliation goes through the same queue as
// file operations; no other lock guards a scope's storage.
package serializer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/metrics"
)

// Future is the completion value of one unit.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the unit has finished or was abandoned.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the unit's error. It must only be called after Done is closed.
func (f *Future) Err() error { return f.err }

// Wait blocks until the unit finishes or ctx ends. A cancelled wait does not
// cancel the unit.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	work func() error
	fut  *Future
}

// Queue is a single-consumer FIFO of storage work.
type Queue struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []task
	closed  bool
	stopped chan struct{}
}

// New starts a queue. name labels logs and metrics.
func New(name string, logger *slog.Logger) *Queue {
	q := &Queue{
		name:    name,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = task{}
		q.pending = q.pending[1:]
		metrics.SetQueueDepth(q.name, len(q.pending))
		q.mu.Unlock()

		start := time.Now()
		err := t.work()
		metrics.RecordUnit(q.name, time.Since(start), err == nil)
		if err != nil {
			q.logger.Debug("serializer: unit failed",
				slog.String("queue", q.name),
				slog.String("error", err.Error()))
		}
		t.fut.resolve(err)
	}
}

func (q *Queue) enqueue(work func() error) *Future {
	fut := newFuture()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		fut.resolve(apperr.ErrScopeGone)
		return fut
	}
	q.pending = append(q.pending, task{work: work, fut: fut})
	metrics.SetQueueDepth(q.name, len(q.pending))
	q.cond.Signal()
	return fut
}

// RunExclusive enqueues work. It never runs concurrently with any other unit
// of this queue. The returned future carries work's error only; a failing
// unit does not affect the units after it.
func (q *Queue) RunExclusive(work func() error) *Future {
	return q.enqueue(work)
}

// AfterDrain enqueues fn to run once every unit submitted before it has
// finished.
func (q *Queue) AfterDrain(fn func()) *Future {
	return q.enqueue(func() error {
		fn()
		return nil
	})
}

// Do enqueues work and waits for it. ctx only gates submission: a unit that
// was queued always runs to completion, so Do reports its real outcome rather
// than abandoning the wait.
func (q *Queue) Do(ctx context.Context, work func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fut := q.RunExclusive(work)
	<-fut.Done()
	return fut.Err()
}

// Drain waits until every unit submitted so far has finished.
func (q *Queue) Drain(ctx context.Context) error {
	return q.AfterDrain(func() {}).Wait(ctx)
}

// Len returns the number of units waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops intake. Units that have not started fail with
// apperr.ErrScopeGone; the running unit, if any, is allowed to finish. Close
// returns once the consumer has exited.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		abandoned := q.pending
		q.pending = nil
		for _, t := range abandoned {
			t.fut.resolve(apperr.ErrScopeGone)
		}
		if len(abandoned) > 0 {
			q.logger.Info("serializer: abandoned queued units",
				slog.String("queue", q.name),
				slog.Int("count", len(abandoned)))
		}
		metrics.SetQueueDepth(q.name, 0)
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.stopped
}
