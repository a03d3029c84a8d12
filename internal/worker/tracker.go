// Package worker runs the slow external operations of the pool (spawning,
// probing and terminating VMs) as detached tasks that report back over the bus.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrTrackerStopped = errors.New("tracker stopped")
	ErrTaskRunning    = errors.New("task already running")
)

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Tracker keeps handles of detached tasks so they can be counted, recycled
// once finished and cancelled on shutdown.
type Tracker struct {
	mu      sync.Mutex
	tasks   []*task
	stopped bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// Go runs fn in its own goroutine. The task context keeps the values of ctx
// but is only cancelled by Stop, so a task outlives the request that started
// it. Go returns false once the tracker is stopped.
func (t *Tracker) Go(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		t.logger.Warn("tracker stopped, task not started", "task", name)
		return false
	}
	t.start(ctx, name, fn)
	return true
}

// GoUnique is Go for tasks that must not run twice under the same name. It
// returns ErrTaskRunning while an earlier task of that name is unfinished.
func (t *Tracker) GoUnique(ctx context.Context, name string, fn func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrTrackerStopped
	}
	for _, tk := range t.tasks {
		if tk.name == name && !tk.finished() {
			return ErrTaskRunning
		}
	}
	t.start(ctx, name, fn)
	return nil
}

// start must be called with t.mu held.
func (t *Tracker) start(ctx context.Context, name string, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tk := &task{name: name, cancel: cancel, done: make(chan struct{})}
	t.tasks = append(t.tasks, tk)
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		defer close(tk.done)
		defer cancel()
		fn(taskCtx)
	}()
}

// Running returns the number of tasks that have not finished yet.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, tk := range t.tasks {
		if !tk.finished() {
			n++
		}
	}
	return n
}

// Recycle drops the handles of finished tasks and returns how many it dropped.
func (t *Tracker) Recycle() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	alive := t.tasks[:0]
	recycled := 0
	for _, tk := range t.tasks {
		if tk.finished() {
			recycled++
			continue
		}
		alive = append(alive, tk)
	}
	clear(t.tasks[len(alive):])
	t.tasks = alive
	return recycled
}

// Stop cancels every running task and waits for all of them to return.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for _, tk := range t.tasks {
		if !tk.finished() {
			t.logger.Debug("cancelling task", "task", tk.name)
		}
		tk.cancel()
	}
	t.mu.Unlock()

	t.wg.Wait()
}
