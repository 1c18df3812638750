package quarry_test

import (
	"errors"
	"testing"

	"quarry-go/internal/quarry"
	"quarry-go/internal/testutil"
)

func int64p(v int64) *int64 { return &v }

// createReadyWorkspace creates a workspace and runs its initialization chain
// to completion.
func createReadyWorkspace(t *testing.T, env *testutil.TestEnv, name, owner string, families map[string]*int64) *quarry.Workspace {
	t.Helper()

	ws, err := env.Service.CreateWorkspace(name, owner, "", false, families)
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}

	ws, err = env.Service.GetWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	if ws.State != quarry.StateReady {
		t.Fatalf("workspace state = %s, want READY (chain errors: %v)", ws.State, env.Runner.ChainErrs())
	}
	return ws
}

func TestServiceCreateWorkspace(t *testing.T) {
	t.Run("initializes to READY with a base family", func(t *testing.T) {
		env := testutil.NewTestEnv(t)

		ws := createReadyWorkspace(t, env, "alpha", "alice", nil)

		base := ws.Family(quarry.BaseFamily)
		if base == nil {
			t.Fatal("base family not added automatically")
		}
		if base.Version == nil || *base.Version != 0 {
			t.Errorf("base version = %v, want 0", base.Version)
		}
		if ws.DataURL == "" {
			t.Error("workspace has no blob location")
		}
		if ws.Watermark() != 0 {
			t.Errorf("watermark = %d, want 0 with no committed metadata", ws.Watermark())
		}
	})

	t.Run("rejects missing name or owner", func(t *testing.T) {
		env := testutil.NewTestEnv(t)

		if _, err := env.Service.CreateWorkspace("", "alice", "", false, nil); !errors.Is(err, quarry.ErrPrecondition) {
			t.Errorf("CreateWorkspace() error = %v, want ErrPrecondition", err)
		}
		if _, err := env.Service.CreateWorkspace("alpha", "", "", false, nil); !errors.Is(err, quarry.ErrPrecondition) {
			t.Errorf("CreateWorkspace() error = %v, want ErrPrecondition", err)
		}
	})

	t.Run("rejects reserved and invalid family names", func(t *testing.T) {
		env := testutil.NewTestEnv(t)

		for _, name := range []string{"id", "UPPER", "9starts_with_digit", "bad-dash", ""} {
			_, err := env.Service.CreateWorkspace("alpha", "alice", "", false, map[string]*int64{name: nil})
			if !errors.Is(err, quarry.ErrPrecondition) {
				t.Errorf("CreateWorkspace(family %q) error = %v, want ErrPrecondition", name, err)
			}
		}
	})

	t.Run("rejects a duplicate name for the same owner", func(t *testing.T) {
		env := testutil.NewTestEnv(t)

		createReadyWorkspace(t, env, "alpha", "alice", nil)

		if _, err := env.Service.CreateWorkspace("alpha", "alice", "", false, nil); !errors.Is(err, quarry.ErrPrecondition) {
			t.Errorf("CreateWorkspace() error = %v, want ErrPrecondition", err)
		}

		// The same name under a different owner is fine.
		if _, err := env.Service.CreateWorkspace("alpha", "bob", "", false, nil); err != nil {
			t.Errorf("CreateWorkspace() error = %v", err)
		}
	})

	t.Run("nonexistent family version moves the workspace to INVALID", func(t *testing.T) {
		env := testutil.NewTestEnv(t)

		ws, err := env.Service.CreateWorkspace("alpha", "alice", "", false,
			map[string]*int64{"extra": int64p(7)})
		if err != nil {
			t.Fatalf("CreateWorkspace() error = %v", err)
		}

		ws, err = env.Service.GetWorkspace(ws.ID)
		if err != nil {
			t.Fatalf("GetWorkspace() error = %v", err)
		}
		if ws.State != quarry.StateInvalid {
			t.Errorf("workspace state = %s, want INVALID", ws.State)
		}

		chainErrs := env.Runner.ChainErrs()
		if len(chainErrs) != 1 || !errors.Is(chainErrs[0], quarry.ErrInvalidFamilySpec) {
			t.Errorf("chain errors = %v, want one ErrInvalidFamilySpec", chainErrs)
		}
	})

	t.Run("version zero is accepted unconditionally", func(t *testing.T) {
		env := testutil.NewTestEnv(t)

		ws := createReadyWorkspace(t, env, "alpha", "alice",
			map[string]*int64{"extra": int64p(0)})

		extra := ws.Family("extra")
		if extra == nil || extra.Version == nil || *extra.Version != 0 {
			t.Errorf("extra family = %+v, want version 0", extra)
		}
	})

	t.Run("fails with ErrUnavailable when the runner rejects work", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		env.Runner.Reject()

		_, err := env.Service.CreateWorkspace("alpha", "alice", "", false, nil)
		if !errors.Is(err, quarry.ErrUnavailable) {
			t.Errorf("CreateWorkspace() error = %v, want ErrUnavailable", err)
		}
	})
}

func TestServiceListWorkspaces(t *testing.T) {
	env := testutil.NewTestEnv(t)

	createReadyWorkspace(t, env, "alpha", "alice", nil)
	createReadyWorkspace(t, env, "beta", "alice", nil)
	createReadyWorkspace(t, env, "gamma", "bob", nil)

	t.Run("filters by owner", func(t *testing.T) {
		got, err := env.Service.ListWorkspaces(quarry.WorkspaceFilter{Owner: "alice"})
		if err != nil {
			t.Fatalf("ListWorkspaces() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("got %d workspaces, want 2", len(got))
		}
	})

	t.Run("filters by name", func(t *testing.T) {
		got, err := env.Service.ListWorkspaces(quarry.WorkspaceFilter{Name: "gamma"})
		if err != nil {
			t.Fatalf("ListWorkspaces() error = %v", err)
		}
		if len(got) != 1 || got[0].Owner != "bob" {
			t.Errorf("ListWorkspaces(name=gamma) = %v, want gamma owned by bob", got)
		}
	})

	t.Run("excludes deleted workspaces unless asked", func(t *testing.T) {
		ws := createReadyWorkspace(t, env, "doomed", "bob", nil)
		if _, err := env.Service.DeleteWorkspace(ws.ID); err != nil {
			t.Fatalf("DeleteWorkspace() error = %v", err)
		}

		got, err := env.Service.ListWorkspaces(quarry.WorkspaceFilter{Name: "doomed"})
		if err != nil {
			t.Fatalf("ListWorkspaces() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("deleted workspace still listed: %v", got)
		}

		got, err = env.Service.ListWorkspaces(quarry.WorkspaceFilter{Name: "doomed", IncludeDeleted: true})
		if err != nil {
			t.Fatalf("ListWorkspaces() error = %v", err)
		}
		if len(got) != 1 {
			t.Errorf("got %d workspaces with IncludeDeleted, want 1", len(got))
		}
	})
}

func TestServiceDeleteWorkspace(t *testing.T) {
	t.Run("removes blob location and namespace", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		ws := createReadyWorkspace(t, env, "alpha", "alice", nil)

		if _, err := env.Service.ScanWorkspace(ws.ID); err != nil {
			t.Fatalf("ScanWorkspace() error = %v", err)
		}
		if _, err := env.Service.DeleteWorkspace(ws.ID); err != nil {
			t.Fatalf("DeleteWorkspace() error = %v", err)
		}

		ws, err := env.Service.GetWorkspace(ws.ID)
		if err != nil {
			t.Fatalf("GetWorkspace() error = %v", err)
		}
		if ws.State != quarry.StateDeleted {
			t.Errorf("workspace state = %s, want DELETED (chain errors: %v)", ws.State, env.Runner.ChainErrs())
		}
		if ws.DataURL != "" || ws.Namespace != "" {
			t.Errorf("data url %q and namespace %q not cleared", ws.DataURL, ws.Namespace)
		}
	})

	t.Run("rejected while the workspace is busy", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		ws := createReadyWorkspace(t, env, "alpha", "alice", nil)
		if _, err := env.Service.DeleteWorkspace(ws.ID); err != nil {
			t.Fatalf("DeleteWorkspace() error = %v", err)
		}

		// Now DELETED, a terminal state.
		if _, err := env.Service.DeleteWorkspace(ws.ID); !errors.Is(err, quarry.ErrInvalidTransition) {
			t.Errorf("DeleteWorkspace() error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestServiceScanWorkspace(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ws := createReadyWorkspace(t, env, "alpha", "alice", nil)

	if _, err := env.Service.ScanWorkspace(ws.ID); err != nil {
		t.Fatalf("ScanWorkspace() error = %v", err)
	}

	ws, err := env.Service.GetWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	if ws.State != quarry.StateReady {
		t.Fatalf("workspace state = %s, want READY (chain errors: %v)", ws.State, env.Runner.ChainErrs())
	}
	if ws.Namespace == "" {
		t.Error("scan did not record a namespace")
	}
}

func TestServiceUpdateWorkspace(t *testing.T) {
	t.Run("adds a family at the latest version", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		ws := createReadyWorkspace(t, env, "alpha", "alice", nil)

		if _, err := env.Service.UpdateWorkspace(ws.ID, map[string]*int64{"extra": nil}); err != nil {
			t.Fatalf("UpdateWorkspace() error = %v", err)
		}

		ws, err := env.Service.GetWorkspace(ws.ID)
		if err != nil {
			t.Fatalf("GetWorkspace() error = %v", err)
		}
		if ws.State != quarry.StateReady {
			t.Fatalf("workspace state = %s, want READY (chain errors: %v)", ws.State, env.Runner.ChainErrs())
		}
		extra := ws.Family("extra")
		if extra == nil || extra.Version == nil || *extra.Version != 0 {
			t.Errorf("extra family = %+v, want draft at version 0", extra)
		}
	})

	t.Run("nonexistent version moves the workspace to INVALID", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		ws := createReadyWorkspace(t, env, "alpha", "alice", nil)

		if _, err := env.Service.UpdateWorkspace(ws.ID, map[string]*int64{"extra": int64p(3)}); err != nil {
			t.Fatalf("UpdateWorkspace() error = %v", err)
		}

		ws, err := env.Service.GetWorkspace(ws.ID)
		if err != nil {
			t.Fatalf("GetWorkspace() error = %v", err)
		}
		if ws.State != quarry.StateInvalid {
			t.Errorf("workspace state = %s, want INVALID", ws.State)
		}
	})

	t.Run("rejects the reserved family name", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		ws := createReadyWorkspace(t, env, "alpha", "alice", nil)

		if _, err := env.Service.UpdateWorkspace(ws.ID, map[string]*int64{"id": nil}); !errors.Is(err, quarry.ErrPrecondition) {
			t.Errorf("UpdateWorkspace() error = %v, want ErrPrecondition", err)
		}
	})
}
