package testutil

import (
	"context"
	"fmt"
	"sync"

	"quarry-go/internal/quarry"
)

// SyncRunner executes task chains inline on Submit, so tests observe the
// final workspace state without polling. Retries run without backoff.
type SyncRunner struct {
	mu        sync.Mutex
	chainErrs []error
	taskNames []string
	rejecting bool
}

var _ quarry.TaskRunner = (*SyncRunner)(nil)

func NewSyncRunner() *SyncRunner {
	return &SyncRunner{}
}

// Reject makes subsequent Submit calls fail with ErrUnavailable.
func (r *SyncRunner) Reject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejecting = true
}

// Submit runs the chain to completion before returning.
func (r *SyncRunner) Submit(chain ...quarry.Task) error {
	r.mu.Lock()
	if r.rejecting {
		r.mu.Unlock()
		return fmt.Errorf("%w: task runner is not running", quarry.ErrUnavailable)
	}
	for _, task := range chain {
		r.taskNames = append(r.taskNames, task.Name)
	}
	r.mu.Unlock()

	for _, task := range chain {
		if err := r.runTask(task); err != nil {
			r.mu.Lock()
			r.chainErrs = append(r.chainErrs, err)
			r.mu.Unlock()
			return nil
		}
	}
	return nil
}

func (r *SyncRunner) runTask(task quarry.Task) error {
	attempts := task.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = task.Run(context.Background()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("task %s failed after %d attempts: %w", task.Name, attempts, err)
}

// ChainErrs returns the errors that aborted submitted chains.
func (r *SyncRunner) ChainErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.chainErrs...)
}

// TaskNames returns the names of all submitted tasks in order.
func (r *SyncRunner) TaskNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.taskNames...)
}
