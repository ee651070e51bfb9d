package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks task group counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down group.
var ErrPoolShutdown = errors.New("task group is shut down")

// PanicHandler is told about a task that panicked.
type PanicHandler func(name string, recovered any)

// TaskGroup owns the goroutines running workflow executions. Go never
// blocks the caller; Shutdown stops new submissions and waits for the
// running tasks.
type TaskGroup struct {
	base    context.Context
	onPanic PanicHandler

	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	metrics PoolMetrics
}

// NewTaskGroup creates a group whose tasks receive base as their context.
func NewTaskGroup(base context.Context, onPanic PanicHandler) *TaskGroup {
	if base == nil {
		base = context.Background()
	}
	return &TaskGroup{base: base, onPanic: onPanic}
}

// Go starts fn on its own goroutine. name identifies the task to the panic
// handler. Returns ErrPoolShutdown after Shutdown.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context)) error {
	// wg.Add must happen under the lock so Shutdown's Wait cannot race it.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrPoolShutdown
	}
	g.wg.Add(1)
	atomic.AddInt64(&g.metrics.Active, 1)
	g.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&g.metrics.Panics, 1)
				if g.onPanic != nil {
					g.onPanic(name, r)
				}
			} else {
				atomic.AddInt64(&g.metrics.Completed, 1)
			}
			atomic.AddInt64(&g.metrics.Active, -1)
			g.wg.Done()
		}()
		fn(g.base)
	}()
	return nil
}

// Shutdown rejects new tasks and waits for running ones, or until ctx is done.
func (g *TaskGroup) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the counters.
func (g *TaskGroup) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&g.metrics.Active),
		Completed: atomic.LoadInt64(&g.metrics.Completed),
		Panics:    atomic.LoadInt64(&g.metrics.Panics),
	}
}
