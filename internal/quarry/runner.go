package quarry

import (
	"context"
	"time"
)

// Task is a named unit of background work tied to one workspace.
// MaxAttempts above one makes the runner retry a failing task with backoff;
// this is meant for the leading wait-until-visible task of a chain, which
// absorbs the race between the request thread committing its write and the
// worker reading it. That retry is expected and bounded, not an error.
type Task struct {
	Name        string
	WorkspaceID int64
	MaxAttempts int
	Backoff     time.Duration
	Run         func(ctx context.Context) error
}

// TaskRunner executes task chains in the background. Tasks in a chain run in
// order and the chain stops at the first task that exhausts its attempts.
// Submit returns ErrUnavailable when the runner cannot accept work; tasks are
// never cancelled once started.
type TaskRunner interface {
	Submit(chain ...Task) error
}
