package quarry

import (
	"context"
	"fmt"
)

// Background task handlers. Each handler re-fetches the workspace and checks
// that it is still in the state the request left it in; a mismatch means the
// chain was scheduled against a row that moved on, which is a worker error.
//
// Errors discovered here leave an explicit, inspectable workspace state
// (INVALID or CONFLICT) where the protocol defines one. Truly unexpected
// failures leave the workspace stuck in its transitional state, which shows
// up in monitoring rather than being retried forever.

// waitForWorkspaceTask blocks the rest of the chain until the workspace row
// is durably visible to the background worker. The retry absorbs the race
// between the request thread committing its write and the worker reading it.
func (s *Service) waitForWorkspaceTask(id int64) Task {
	return Task{
		Name:        "wait_for_workspace",
		WorkspaceID: id,
		MaxAttempts: s.waitAttempts,
		Backoff:     s.waitBackoff,
		Run: func(ctx context.Context) error {
			if _, err := s.store.GetWorkspace(id); err != nil {
				s.logger.Debug("workspace not visible yet", "workspace", id)
				return err
			}
			s.logger.Debug("workspace visible", "workspace", id)
			return nil
		},
	}
}

// initWorkspaceTask resolves the workspace's family versions and records its
// metadata watermark.
func (s *Service) initWorkspaceTask(id int64) Task {
	return Task{
		Name:        "init_workspace",
		WorkspaceID: id,
		Run: func(ctx context.Context) error {
			ws, err := s.expectState(id, StateInitializing)
			if err != nil {
				return err
			}

			// Freeze the workspace's view of global metadata: anything
			// committed after this row id stays invisible.
			watermark, err := s.store.LatestGlobalMetadataID()
			if err != nil {
				return fmt.Errorf("computing watermark: %w", err)
			}
			ws.LastMetadataID = watermark

			latest, err := s.store.GlobalFamilyVersions()
			if err != nil {
				return fmt.Errorf("loading global family versions: %w", err)
			}

			for _, fam := range ws.Families {
				switch {
				case fam.Version != nil && *fam.Version == 0:
					// Version zero is accepted unconditionally: the family
					// starts empty, inheriting nothing.
					s.logger.Info("family left at version 0", "workspace", id, "family", fam.Name)

				case fam.Version != nil:
					ok, err := s.store.GlobalFamilyExists(fam.Name, *fam.Version)
					if err != nil {
						return fmt.Errorf("verifying family %q: %w", fam.Name, err)
					}
					if !ok {
						s.logger.Info("requested family version does not exist",
							"workspace", id, "family", fam.Name, "version", *fam.Version)
						s.invalidate(ws)
						return fmt.Errorf("%w: family %q has no version %d", ErrInvalidFamilySpec, fam.Name, *fam.Version)
					}

				default:
					// Unset version resolves to the latest committed version,
					// or zero when the family never existed.
					version := latest[fam.Name]
					fam.Version = &version
					if err := s.store.UpdateFamily(fam); err != nil {
						return fmt.Errorf("resolving family %q: %w", fam.Name, err)
					}
					s.logger.Info("family resolved to latest version",
						"workspace", id, "family", fam.Name, "version", version)
				}
			}

			return s.store.SaveWorkspace(ws)
		},
	}
}

// initBlobLocationTask provisions the workspace's isolated blob location and
// moves the workspace to READY.
func (s *Service) initBlobLocationTask(id int64) Task {
	return Task{
		Name:        "init_blob_location",
		WorkspaceID: id,
		Run: func(ctx context.Context) error {
			ws, err := s.expectState(id, StateInitializing)
			if err != nil {
				return err
			}

			url, err := s.blob.CreateLocation(s.locationName(ws))
			if err != nil {
				s.invalidate(ws)
				return fmt.Errorf("creating blob location: %w", err)
			}

			ws.DataURL = url
			if err := ws.SetState(StateReady); err != nil {
				return err
			}
			if err := s.store.SaveWorkspace(ws); err != nil {
				return err
			}
			s.logger.Info("workspace ready", "workspace", id, "location", url)
			return nil
		},
	}
}

// updateWorkspaceTask re-resolves family bindings and refreshes the
// watermark, the same rules as initialization applied to a live workspace.
// Families not named in the request keep their current versions.
func (s *Service) updateWorkspaceTask(id int64, families map[string]*int64) Task {
	return Task{
		Name:        "update_workspace",
		WorkspaceID: id,
		Run: func(ctx context.Context) error {
			ws, err := s.expectState(id, StateUpdating)
			if err != nil {
				return err
			}

			watermark, err := s.store.LatestGlobalMetadataID()
			if err != nil {
				return fmt.Errorf("computing watermark: %w", err)
			}
			ws.LastMetadataID = watermark

			latest, err := s.store.GlobalFamilyVersions()
			if err != nil {
				return fmt.Errorf("loading global family versions: %w", err)
			}

			for famName, requested := range families {
				var version int64
				switch {
				case requested == nil:
					version = latest[famName]
				case *requested == 0:
					version = 0
				default:
					ok, err := s.store.GlobalFamilyExists(famName, *requested)
					if err != nil {
						return fmt.Errorf("verifying family %q: %w", famName, err)
					}
					if !ok {
						s.logger.Info("requested family version does not exist",
							"workspace", id, "family", famName, "version", *requested)
						s.invalidate(ws)
						return fmt.Errorf("%w: family %q has no version %d", ErrInvalidFamilySpec, famName, *requested)
					}
					version = *requested
				}

				if fam := ws.Family(famName); fam != nil {
					fam.Version = &version
					if err := s.store.UpdateFamily(fam); err != nil {
						return fmt.Errorf("re-pinning family %q: %w", famName, err)
					}
				} else {
					fam := &Family{
						Name:        famName,
						Version:     &version,
						Description: "No description provided",
						WorkspaceID: &ws.ID,
					}
					if err := s.store.AddFamily(fam); err != nil {
						return fmt.Errorf("adding family %q: %w", famName, err)
					}
					ws.Families = append(ws.Families, fam)
				}
				s.logger.Info("family re-resolved", "workspace", id, "family", famName, "version", version)
			}

			if err := ws.SetState(StateReady); err != nil {
				return err
			}
			return s.store.SaveWorkspace(ws)
		},
	}
}

// scanWorkspaceTask materializes the workspace's queryable views in a fresh
// namespace and swaps out the previous one.
func (s *Service) scanWorkspaceTask(id int64) Task {
	return Task{
		Name:        "scan_workspace",
		WorkspaceID: id,
		Run: func(ctx context.Context) error {
			ws, err := s.expectState(id, StateScanning)
			if err != nil {
				return err
			}

			namespace := s.makeNamespace(ws)
			if err := s.store.MaterializeWorkspaceViews(ws, namespace); err != nil {
				return fmt.Errorf("materializing views: %w", err)
			}

			ws.Namespace = namespace
			if err := ws.SetState(StateReady); err != nil {
				return err
			}
			if err := s.store.SaveWorkspace(ws); err != nil {
				return err
			}
			s.logger.Info("workspace scanned", "workspace", id, "namespace", namespace)
			return nil
		},
	}
}

// commitWorkspaceTask runs the commit protocol.
func (s *Service) commitWorkspaceTask(id int64) Task {
	return Task{
		Name:        "commit_workspace",
		WorkspaceID: id,
		Run: func(ctx context.Context) error {
			return s.runCommit(ctx, id)
		},
	}
}

// deleteWorkspaceTask removes the workspace's blob location and namespace,
// then marks it DELETED. A blob cleanup failure cannot be verified away, so
// the workspace is flagged INVALID instead of assumed clean.
func (s *Service) deleteWorkspaceTask(id int64) Task {
	return Task{
		Name:        "delete_workspace",
		WorkspaceID: id,
		Run: func(ctx context.Context) error {
			ws, err := s.expectState(id, StateDeleting)
			if err != nil {
				return err
			}

			if ws.DataURL != "" {
				if err := s.blob.DeleteLocation(ws.DataURL); err != nil {
					s.invalidate(ws)
					return fmt.Errorf("deleting blob location: %w", err)
				}
			}
			if ws.Namespace != "" {
				if err := s.store.DropNamespace(ws.Namespace); err != nil {
					return fmt.Errorf("dropping namespace: %w", err)
				}
			}

			ws.DataURL = ""
			ws.Namespace = ""
			if err := ws.SetState(StateDeleted); err != nil {
				return err
			}
			if err := s.store.SaveWorkspace(ws); err != nil {
				return err
			}
			s.logger.Info("workspace deleted", "workspace", id)
			return nil
		},
	}
}

// expectState fetches a workspace and verifies the task precondition.
func (s *Service) expectState(id int64, want State) (*Workspace, error) {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	if ws.State != want {
		return nil, fmt.Errorf("workspace %d is in state %s, expected %s", id, ws.State, want)
	}
	return ws, nil
}

// invalidate moves a workspace to INVALID and persists it, logging rather
// than failing when the transition itself cannot be applied or saved.
func (s *Service) invalidate(ws *Workspace) {
	if err := ws.SetState(StateInvalid); err != nil {
		s.logger.Error("cannot mark workspace invalid", "workspace", ws.ID, "error", err)
		return
	}
	if err := s.store.SaveWorkspace(ws); err != nil {
		s.logger.Error("cannot persist invalid workspace", "workspace", ws.ID, "error", err)
	}
}
