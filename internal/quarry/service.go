package quarry

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Service is the orchestration layer of the workspace engine. It validates
// requests synchronously, drives the workspace state machine and offloads
// long-running operations (initialization, scanning, committing, deletion)
// to the task runner. Request handling is stateless: any number of Service
// calls may run concurrently, the relational store is the only
// synchronization point.
type Service struct {
	store  Store
	blob   BlobStore
	runner TaskRunner
	logger Logger
	clock  Clock
	idgen  IDGenerator

	waitAttempts int
	waitBackoff  time.Duration
}

// ServiceOption adjusts optional Service settings.
type ServiceOption func(*Service)

// WithWaitRetry sets the attempt budget and backoff for the leading
// wait-until-visible task of the workspace creation chain.
func WithWaitRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(s *Service) {
		s.waitAttempts = attempts
		s.waitBackoff = backoff
	}
}

// NewService creates a Service with the provided collaborators.
func NewService(store Store, blob BlobStore, runner TaskRunner, logger Logger, clock Clock, idgen IDGenerator, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		blob:         blob,
		runner:       runner,
		logger:       logger,
		clock:        clock,
		idgen:        idgen,
		waitAttempts: 10,
		waitBackoff:  time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// familyNamePattern keeps family names usable as table-name fragments in the
// materialized views. The length cap leaves room for namespace prefixes.
var familyNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,59}$`)

// metadataKeyPattern keeps document keys usable as column names in the
// materialized views.
var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// CreateWorkspace creates a workspace for the given owner with the requested
// families. A nil version requests the latest committed version of that
// family; version zero starts the family empty. The base family is added
// automatically when absent. The workspace is returned in INITIALIZING state;
// a background chain resolves family versions, records the watermark and
// provisions the blob location, after which the workspace becomes READY (or
// INVALID if a requested family version does not exist).
func (s *Service) CreateWorkspace(name, owner, description string, temporary bool, families map[string]*int64) (*Workspace, error) {
	if name == "" || owner == "" {
		return nil, fmt.Errorf("%w: workspace name and owner are required", ErrPrecondition)
	}
	for famName := range families {
		if famName == KeyID {
			return nil, fmt.Errorf("%w: family name %q is not permitted", ErrPrecondition, famName)
		}
		if !familyNamePattern.MatchString(famName) {
			return nil, fmt.Errorf("%w: invalid family name %q", ErrPrecondition, famName)
		}
	}

	ws := &Workspace{
		Name:        name,
		Owner:       owner,
		Description: description,
		Temporary:   temporary,
		CreatedAt:   s.clock.Now(),
	}
	if err := ws.SetState(StateInitializing); err != nil {
		return nil, err
	}
	if err := s.store.CreateWorkspace(ws); err != nil {
		return nil, err
	}

	// Draft family rows with the requested (possibly unresolved) versions.
	// The initializer task verifies and resolves them.
	requested := make(map[string]*int64, len(families)+1)
	for famName, version := range families {
		requested[famName] = version
	}
	if _, ok := requested[BaseFamily]; !ok {
		requested[BaseFamily] = nil
	}
	for famName, version := range requested {
		fam := &Family{
			Name:        famName,
			Version:     version,
			Description: "No description provided",
			WorkspaceID: &ws.ID,
		}
		if err := s.store.AddFamily(fam); err != nil {
			return nil, fmt.Errorf("adding family %q: %w", famName, err)
		}
		ws.Families = append(ws.Families, fam)
	}

	// The chain leads with a wait task: the runner may pick up work before
	// this goroutine's store writes are visible to it.
	chain := []Task{
		s.waitForWorkspaceTask(ws.ID),
		s.initWorkspaceTask(ws.ID),
		s.initBlobLocationTask(ws.ID),
	}
	if err := s.runner.Submit(chain...); err != nil {
		s.logger.Error("workspace initialization could not be scheduled", "workspace", ws.ID, "error", err)
		return nil, fmt.Errorf("%w: scheduling workspace initialization: %v", ErrUnavailable, err)
	}

	s.logger.Info("workspace created", "workspace", ws.ID, "name", name, "owner", owner)
	return ws, nil
}

// GetWorkspace returns a workspace by id.
func (s *Service) GetWorkspace(id int64) (*Workspace, error) {
	return s.store.GetWorkspace(id)
}

// ListWorkspaces returns workspaces matching the filter, newest first.
func (s *Service) ListWorkspaces(filter WorkspaceFilter) ([]*Workspace, error) {
	return s.store.ListWorkspaces(filter)
}

// UpdateWorkspace transitions the workspace to UPDATING and schedules a
// re-resolution of its family bindings: requested families are added or
// re-pinned (nil version means latest committed) and the watermark is moved
// forward to the current global state. This is the recovery path after a
// CONFLICT: re-resolve against what was committed concurrently, then retry
// the commit.
func (s *Service) UpdateWorkspace(id int64, families map[string]*int64) (*Workspace, error) {
	for famName := range families {
		if famName == KeyID {
			return nil, fmt.Errorf("%w: family name %q is not permitted", ErrPrecondition, famName)
		}
		if !familyNamePattern.MatchString(famName) {
			return nil, fmt.Errorf("%w: invalid family name %q", ErrPrecondition, famName)
		}
	}
	return s.transitionAndRun(id, StateUpdating, s.updateWorkspaceTask(id, families))
}

// ScanWorkspace transitions the workspace to SCANNING and schedules the view
// materialization task. The workspace returns to READY when the new views are
// in place.
func (s *Service) ScanWorkspace(id int64) (*Workspace, error) {
	return s.transitionAndRun(id, StateScanning, s.scanWorkspaceTask(id))
}

// CommitWorkspace transitions the workspace to COMMITTING and schedules the
// commit task. The caller must poll the workspace state for the outcome:
// READY on success (or empty commit), CONFLICT when a concurrently committed
// family version got ahead of this workspace.
func (s *Service) CommitWorkspace(id int64) (*Workspace, error) {
	return s.transitionAndRun(id, StateCommitting, s.commitWorkspaceTask(id))
}

// DeleteWorkspace transitions the workspace to DELETING and schedules removal
// of its blob location and materialized views.
func (s *Service) DeleteWorkspace(id int64) (*Workspace, error) {
	return s.transitionAndRun(id, StateDeleting, s.deleteWorkspaceTask(id))
}

// transitionAndRun applies a state transition, persists it and schedules the
// background task. The transition is the mutual exclusion gate: a workspace
// already busy (SCANNING, COMMITTING, DELETING, INITIALIZING) rejects the
// request instead of queueing it.
func (s *Service) transitionAndRun(id int64, next State, task Task) (*Workspace, error) {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	if err := ws.SetState(next); err != nil {
		return nil, err
	}
	if err := s.store.SaveWorkspace(ws); err != nil {
		return nil, err
	}
	if err := s.runner.Submit(task); err != nil {
		s.logger.Error("task could not be scheduled", "task", task.Name, "workspace", id, "error", err)
		return nil, fmt.Errorf("%w: scheduling %s: %v", ErrUnavailable, task.Name, err)
	}
	return ws, nil
}

// makeNamespace derives a fresh, unique namespace name for a workspace's
// materialized views from the workspace id, its owner and the current time.
func (s *Service) makeNamespace(ws *Workspace) string {
	return fmt.Sprintf("ws_%d_%s_%s", ws.ID, sanitizeIdent(ws.Owner), s.timestampSuffix())
}

// makeGlobalNamespace derives a fresh, unique namespace name for the global
// materialized views.
func (s *Service) makeGlobalNamespace() string {
	return "global_" + s.timestampSuffix()
}

func (s *Service) timestampSuffix() string {
	now := s.clock.Now().UTC()
	return now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
}

// locationName derives the blob location name for a workspace.
func (s *Service) locationName(ws *Workspace) string {
	return fmt.Sprintf("ws-%d-%s-%s", ws.ID, sanitizeIdent(ws.Owner), sanitizeIdent(ws.Name))
}

// sanitizeIdent lowercases s and replaces anything outside [a-z0-9_] with an
// underscore, making it safe in namespace and location names.
func sanitizeIdent(s string) string {
	s = strings.ToLower(s)
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
