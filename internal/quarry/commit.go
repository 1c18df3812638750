package quarry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// runCommit executes the commit protocol for a workspace. The whole protocol
// runs inside one write-locked transaction, which serializes commits
// system-wide: version bumps and watermark computation never interleave.
//
// Outcomes:
//   - success: local families promoted to global with bumped versions, ready
//     file bytes copied to durable storage, watermark advanced, global views
//     refreshed, workspace READY.
//   - conflict: a touched family moved upstream; everything rolls back and
//     the workspace moves to CONFLICT for the user to re-resolve.
//   - empty commit: nothing to promote; rolls back harmlessly, workspace
//     returns to READY.
//   - anything else: rolls back and leaves the workspace in COMMITTING for
//     operator inspection.
func (s *Service) runCommit(ctx context.Context, id int64) error {
	ws, err := s.expectState(id, StateCommitting)
	if err != nil {
		return err
	}

	err = s.store.InTransaction(ctx, func(tx Store) error {
		return s.commitTx(tx, ws)
	})

	switch {
	case err == nil:
		s.logger.Info("workspace committed", "workspace", id)
		return nil

	case errors.Is(err, ErrConflict):
		s.logger.Info("commit failed due to conflict", "workspace", id, "error", err)
		return s.moveTo(id, StateConflict)

	case errors.Is(err, ErrEmptyCommit):
		s.logger.Info("empty commit, nothing to do", "workspace", id)
		return s.moveTo(id, StateReady)

	default:
		s.logger.Error("unexpected error on workspace commit, workspace remains in COMMITTING state",
			"workspace", id, "error", err)
		return err
	}
}

// commitTx is the body of the commit transaction.
func (s *Service) commitTx(tx Store, ws *Workspace) error {
	// Conflict detection: a touched family whose committed version got ahead
	// of the version this workspace forked from means someone else committed
	// in the meantime. Only version numbers are compared; the content is not
	// diffed, so this can flag conflicts that changed unrelated data.
	latest, err := tx.GlobalFamilyVersions()
	if err != nil {
		return fmt.Errorf("loading global family versions: %w", err)
	}
	for _, fam := range ws.Families {
		current, known := latest[fam.Name]
		if !known {
			// A family new to the global state cannot conflict.
			continue
		}
		if fam.Version == nil || *fam.Version < current {
			return fmt.Errorf("%w: family %q is outdated in workspace %d", ErrConflict, fam.Name, ws.ID)
		}
	}

	base := ws.Family(BaseFamily)
	if base == nil {
		return fmt.Errorf("workspace %d has no base family", ws.ID)
	}

	// Partition the workspace's files by their recorded state.
	rows, err := tx.FamilyMetadata(base.ID)
	if err != nil {
		return fmt.Errorf("loading base metadata: %w", err)
	}
	var ready, deleted []*Metadata
	temporary := make(map[uuid.UUID]struct{})
	for _, m := range rows {
		switch m.Document.State() {
		case FileReady:
			ready = append(ready, m)
		case FileDeleted:
			deleted = append(deleted, m)
		case FileTemporary:
			temporary[m.FileID] = struct{}{}
		}
	}
	if len(ready)+len(deleted) == 0 {
		return ErrEmptyCommit
	}
	s.logger.Info("committing files", "workspace", ws.ID, "ready", len(ready), "deleted", len(deleted))

	// Copy ready file bytes into durable global storage and rewrite their
	// URLs. These are workspace-local rows, so replacing the document does
	// not violate row immutability for other workspaces.
	for _, m := range ready {
		url, _ := m.Document[KeyURL].(string)
		newURL, err := s.blob.Copy(url, m.FileID.String())
		if err != nil {
			return fmt.Errorf("copying file %s to durable storage: %w", m.FileID, err)
		}
		doc := m.Document.Apply(Document{KeyURL: newURL})
		if err := tx.ReplaceMetadataDocument(m.ID, doc); err != nil {
			return fmt.Errorf("rewriting url of file %s: %w", m.FileID, err)
		}
		m.Document = doc
	}

	tempIDs := make([]uuid.UUID, 0, len(temporary))
	for fid := range temporary {
		tempIDs = append(tempIDs, fid)
	}

	// Promotion: detach each local family (it becomes the new committed
	// version) and leave a fresh draft at the bumped version with the
	// workspace for continued editing. The base family goes last so the
	// temporary-file exclusion computed above reflects the final partition.
	ordered := make([]*Family, 0, len(ws.Families))
	for _, fam := range ws.Families {
		if fam.Name != BaseFamily {
			ordered = append(ordered, fam)
		}
	}
	ordered = append(ordered, base)

	for _, fam := range ordered {
		if fam.Version == nil {
			return fmt.Errorf("family %q has no resolved version", fam.Name)
		}
		bumped := *fam.Version + 1

		// Detach first: the draft reuses (name, workspace) and the unique
		// index must not see both rows at once.
		fam.Version = &bumped
		fam.WorkspaceID = nil
		if err := tx.UpdateFamily(fam); err != nil {
			return fmt.Errorf("promoting family %q: %w", fam.Name, err)
		}

		draftVersion := bumped
		draft := &Family{
			Name:        fam.Name,
			Version:     &draftVersion,
			Description: fam.Description,
			WorkspaceID: &ws.ID,
		}
		if err := tx.AddFamily(draft); err != nil {
			return fmt.Errorf("creating draft for family %q: %w", fam.Name, err)
		}

		// Temporary files stay with the workspace draft instead of being
		// published: their rows move to the new local family.
		if len(tempIDs) > 0 {
			if err := tx.ReassignMetadata(fam.ID, draft.ID, tempIDs); err != nil {
				return fmt.Errorf("retaining temporary files in family %q: %w", fam.Name, err)
			}
		}

		replaceFamily(ws, fam.Name, draft)
	}

	// Advance the watermark to the newest committed row, which now includes
	// everything this workspace just promoted.
	watermark, err := tx.LatestGlobalMetadataID()
	if err != nil {
		return fmt.Errorf("recomputing watermark: %w", err)
	}
	ws.LastMetadataID = watermark

	// Refresh the global views so public queries see the committed state as
	// soon as the transaction lands.
	if err := tx.MaterializeGlobalViews(s.makeGlobalNamespace()); err != nil {
		return fmt.Errorf("refreshing global views: %w", err)
	}

	if err := ws.SetState(StateReady); err != nil {
		return err
	}
	return tx.SaveWorkspace(ws)
}

// moveTo re-fetches a workspace and applies a protocol-defined transition.
// Re-fetching discards in-memory mutations from a rolled-back commit attempt.
func (s *Service) moveTo(id int64, next State) error {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return err
	}
	if err := ws.SetState(next); err != nil {
		return err
	}
	return s.store.SaveWorkspace(ws)
}

// replaceFamily swaps the named family in the workspace's in-memory set.
func replaceFamily(ws *Workspace, name string, fam *Family) {
	for i, f := range ws.Families {
		if f.Name == name {
			ws.Families[i] = fam
			return
		}
	}
}
