package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quarry-go/internal/quarry"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Runner executes task chains on a pool of worker goroutines. A chain runs on
// one worker so its tasks execute strictly in order; the chain stops at the
// first task that exhausts its attempts.
type Runner struct {
	logger  quarry.Logger
	queue   chan []quarry.Task
	workers int

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

var _ quarry.TaskRunner = (*Runner)(nil)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithQueueSize sets the number of chains that may wait for a worker.
func WithQueueSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.queue = make(chan []quarry.Task, n)
		}
	}
}

// NewRunner creates a runner. Call Start before submitting work.
func NewRunner(logger quarry.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:  logger,
		queue:   make(chan []quarry.Task, defaultQueueSize),
		workers: defaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker goroutines.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Stop drains the queue and waits for in-flight chains to finish. Running
// tasks are not cancelled; the context only interrupts backoff sleeps.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

// Submit enqueues a chain. It fails with ErrUnavailable when the runner is
// not running or the queue is full.
func (r *Runner) Submit(chain ...quarry.Task) error {
	if len(chain) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return fmt.Errorf("%w: task runner is not running", quarry.ErrUnavailable)
	}

	select {
	case r.queue <- chain:
		return nil
	default:
		return fmt.Errorf("%w: task queue is full", quarry.ErrUnavailable)
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for chain := range r.queue {
		r.runChain(ctx, chain)
	}
}

func (r *Runner) runChain(ctx context.Context, chain []quarry.Task) {
	for _, task := range chain {
		if err := r.runTask(ctx, task); err != nil {
			r.logger.Error("task chain aborted",
				"task", task.Name, "workspace_id", task.WorkspaceID, "error", err)
			return
		}
	}
}

func (r *Runner) runTask(ctx context.Context, task quarry.Task) error {
	attempts := task.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = task.Run(ctx); err == nil {
			return nil
		}
		if attempt < attempts {
			r.logger.Debug("task failed, retrying",
				"task", task.Name, "workspace_id", task.WorkspaceID,
				"attempt", attempt, "error", err)
			select {
			case <-time.After(task.Backoff):
			case <-ctx.Done():
				return fmt.Errorf("task %s interrupted: %w", task.Name, ctx.Err())
			}
		}
	}
	return fmt.Errorf("task %s failed after %d attempts: %w", task.Name, attempts, err)
}
