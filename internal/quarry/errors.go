package quarry

import "errors"

// Error taxonomy for the workspace engine. Callers are expected to test with
// errors.Is; the store and service layers wrap these with context.
var (
	// ErrInvalidTransition is returned when an illegal workspace state change
	// is attempted. This is always a caller logic error and is never retried.
	ErrInvalidTransition = errors.New("invalid workspace state transition")

	// ErrInvalidFamilySpec is returned when a workspace requests a specific
	// family version that does not exist globally. The workspace is moved to
	// the INVALID state.
	ErrInvalidFamilySpec = errors.New("invalid family specification")

	// ErrConflict is returned when a commit detects that a family was
	// committed concurrently by another workspace, or when a three-way merge
	// cannot reconcile two edits of the same key.
	ErrConflict = errors.New("conflict")

	// ErrEmptyCommit signals that a commit found nothing to promote. It is
	// treated as a no-op success: the transaction is rolled back and the
	// workspace returns to READY.
	ErrEmptyCommit = errors.New("empty commit")

	// ErrNotFound is returned when a referenced workspace, file or family
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPrecondition is returned when an operation is rejected synchronously
	// because the workspace state or the request content does not allow it.
	// No background work is scheduled and no partial state is left behind.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUnavailable is returned for transient backend failures (task queue
	// down, lock timeout). The caller may retry; no workspace state changed.
	ErrUnavailable = errors.New("temporarily unavailable")
)
