package testutil

import (
	"testing"

	"quarry-go/internal/blob"
	"quarry-go/internal/quarry"
	"quarry-go/internal/store"
)

// TestEnv bundles a Service with the fakes behind it, so tests can drive
// operations and then inspect the store, blobs and runner directly.
type TestEnv struct {
	Service *quarry.Service
	Store   *store.SQLiteStore
	Blobs   *blob.MemoryBlobStore
	Runner  *SyncRunner
	Clock   *StubClock
	IDs     *StubIDGenerator
}

// NewTestEnv creates a fully wired service on an in-memory store, a memory
// blob store and a synchronous task runner.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	env := &TestEnv{
		Store:  NewTestStore(t),
		Blobs:  NewTestBlobStore(),
		Runner: NewSyncRunner(),
		Clock:  FixedClock(),
		IDs:    NewStubIDGenerator(),
	}
	env.Service = quarry.NewService(env.Store, env.Blobs, env.Runner,
		quarry.NewNopLogger(), env.Clock, env.IDs)
	return env
}
