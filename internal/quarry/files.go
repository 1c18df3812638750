package quarry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// allowedFilters are the base document keys that ListFiles accepts as exact
// filters.
var allowedFilters = map[string]struct{}{
	KeyID: {}, KeyFilename: {}, KeyPath: {}, KeySize: {},
	KeyChecksum: {}, KeyDate: {}, KeyURL: {}, KeyState: {},
}

// UploadFile stores file bytes in the workspace's blob location and records
// the base family document for a freshly generated file id. temporary files
// are excluded from commits until their state changes. Returns the base
// document.
func (s *Service) UploadFile(workspaceID int64, name string, r io.Reader, temporary bool) (Document, error) {
	ws, err := s.mutableWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	base := ws.Family(BaseFamily)
	if base == nil {
		return nil, fmt.Errorf("workspace %d has no base family", ws.ID)
	}

	dir, filename, err := splitCheckPath(name)
	if err != nil {
		return nil, err
	}

	state := FileReady
	if temporary {
		state = FileTemporary
	}

	fileID := s.idgen.New()

	// Hash and count while streaming to the blob store, so large files are
	// never buffered whole.
	hasher := md5.New()
	counter := &countingReader{r: io.TeeReader(r, hasher)}
	url, err := s.blob.Put(ws.DataURL, path.Join(dir, filename), counter)
	if err != nil {
		return nil, fmt.Errorf("uploading file: %w", err)
	}

	doc := Document{
		KeyID:       fileID.String(),
		KeyFilename: filename,
		KeyPath:     dir,
		KeySize:     counter.n,
		KeyChecksum: hex.EncodeToString(hasher.Sum(nil)),
		KeyDate:     s.clock.Now().UTC().Format(time.RFC3339),
		KeyURL:      url,
		KeyState:    string(state),
	}
	meta := &Metadata{FileID: fileID, FamilyID: base.ID, Document: doc}
	if err := s.store.InsertMetadata(meta); err != nil {
		return nil, fmt.Errorf("recording file metadata: %w", err)
	}

	s.logger.Info("file uploaded", "workspace", ws.ID, "file", fileID, "size", counter.n)
	return doc, nil
}

// UpdateMetadata applies a partial document to the file's metadata under one
// family, copy-on-write: the latest visible document is cloned, updated like
// a dict update and stored as a new workspace-local row (or replaces the
// existing local row). Base family edits are restricted to the filename key;
// the id key can never change. Returns the updated document.
func (s *Service) UpdateMetadata(workspaceID int64, fileID uuid.UUID, familyName string, partial Document) (Document, error) {
	ws, err := s.mutableWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}

	if _, ok := partial[KeyID]; ok {
		return nil, fmt.Errorf("%w: metadata %q entry cannot be changed", ErrPrecondition, KeyID)
	}
	for k := range partial {
		if !metadataKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: invalid metadata key %q", ErrPrecondition, k)
		}
	}
	if familyName == BaseFamily {
		for k := range partial {
			if k != KeyFilename && k != KeyPath {
				return nil, fmt.Errorf("%w: base family only accepts filename changes, not %q", ErrPrecondition, k)
			}
		}
		if _, ok := partial[KeyPath]; ok {
			// Changing the path would require moving the stored bytes;
			// renames are not supported.
			return nil, fmt.Errorf("%w: changing the path of an uploaded file is not supported", ErrPrecondition)
		}
		if fn, ok := partial[KeyFilename]; ok {
			name, _ := fn.(string)
			if _, _, err := splitCheckPath(name); err != nil {
				return nil, err
			}
		}
	}

	fam := ws.Family(familyName)
	if fam == nil {
		return nil, fmt.Errorf("%w: workspace does not have family %q", ErrPrecondition, familyName)
	}

	latest, err := s.store.LatestMetadata(ws, fileID, familyName)
	if err != nil {
		return nil, err
	}

	switch {
	case latest == nil:
		// No metadata yet for this file/family: start from the id document.
		doc := Document{KeyID: fileID.String()}.Apply(partial)
		meta := &Metadata{FileID: fileID, FamilyID: fam.ID, Document: doc}
		if err := s.store.InsertMetadata(meta); err != nil {
			return nil, err
		}
		return doc, nil

	case latest.FamilyID != fam.ID:
		// Latest is a committed row another workspace may see: clone it into
		// a new row owned by this workspace's draft family.
		doc := latest.Document.Apply(partial)
		meta := &Metadata{FileID: fileID, FamilyID: fam.ID, Document: doc}
		if err := s.store.InsertMetadata(meta); err != nil {
			return nil, err
		}
		return doc, nil

	default:
		// Latest is already local to this workspace: replace its document.
		doc := latest.Document.Apply(partial)
		if err := s.store.ReplaceMetadataDocument(latest.ID, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
}

// DeleteFile schedules a file for deletion on commit: the base family state
// becomes DELETED and every other family document the file touches is cleared
// down to its id key. The workspace must carry every family that has
// committed metadata for the file, otherwise the deletion would be silently
// partial and is rejected instead.
func (s *Service) DeleteFile(workspaceID int64, fileID uuid.UUID) error {
	ws, err := s.mutableWorkspace(workspaceID)
	if err != nil {
		return err
	}

	committed, err := s.store.LatestGlobalMetadata(fileID)
	if err != nil {
		return err
	}
	missing := make([]string, 0)
	for famName := range committed {
		if ws.Family(famName) == nil {
			missing = append(missing, famName)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: workspace does not use all families with metadata for this file: %s",
			ErrPrecondition, strings.Join(missing, ", "))
	}

	baseMeta, err := s.store.LatestMetadata(ws, fileID, BaseFamily)
	if err != nil {
		return err
	}
	if baseMeta == nil {
		return fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}

	for _, fam := range ws.Families {
		latest, err := s.store.LatestMetadata(ws, fileID, fam.Name)
		if err != nil {
			return err
		}
		if latest == nil {
			continue
		}

		var doc Document
		if fam.Name == BaseFamily {
			doc = latest.Document.Apply(Document{KeyState: string(FileDeleted)})
		} else {
			doc = Document{KeyID: fileID.String()}
		}

		if latest.FamilyID == fam.ID {
			if err := s.store.ReplaceMetadataDocument(latest.ID, doc); err != nil {
				return err
			}
		} else {
			meta := &Metadata{FileID: fileID, FamilyID: fam.ID, Document: doc}
			if err := s.store.InsertMetadata(meta); err != nil {
				return err
			}
		}
	}

	s.logger.Info("file marked deleted", "workspace", ws.ID, "file", fileID)
	return nil
}

// ResolveMetadata returns the effective document per family for a file as
// seen from the workspace: local drafts win over watermark-bounded global
// rows. Families without metadata for the file are omitted.
func (s *Service) ResolveMetadata(workspaceID int64, fileID uuid.UUID) (map[string]Document, error) {
	ws, err := s.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Document)
	for _, fam := range ws.Families {
		latest, err := s.store.LatestMetadata(ws, fileID, fam.Name)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			out[fam.Name] = latest.Document
		}
	}
	return out, nil
}

// ResolveGlobalMetadata returns the latest committed document per family for
// a file, without any workspace. ErrNotFound when the file was never
// committed.
func (s *Service) ResolveGlobalMetadata(fileID uuid.UUID) (map[string]Document, error) {
	committed, err := s.store.LatestGlobalMetadata(fileID)
	if err != nil {
		return nil, err
	}
	if len(committed) == 0 {
		return nil, fmt.Errorf("%w: file %s has not been committed", ErrNotFound, fileID)
	}
	out := make(map[string]Document, len(committed))
	for famName, m := range committed {
		out[famName] = m.Document
	}
	return out, nil
}

// ResolveFiles returns one page of base family documents visible in the
// workspace, or of the latest committed files when workspaceID is nil.
// Filters match well-known base keys exactly.
func (s *Service) ResolveFiles(workspaceID *int64, filters map[string]string, page Page) (*FilePage, error) {
	for k := range filters {
		if _, ok := allowedFilters[k]; !ok {
			return nil, fmt.Errorf("%w: %q is not a valid filter key", ErrPrecondition, k)
		}
	}

	var ws *Workspace
	if workspaceID != nil {
		var err error
		ws, err = s.store.GetWorkspace(*workspaceID)
		if err != nil {
			return nil, err
		}
	}
	return s.store.ListFiles(ws, filters, page)
}

// DownloadFile streams a file's bytes to w. With a workspace id it resolves
// through the workspace; without one it serves the latest committed version.
func (s *Service) DownloadFile(workspaceID *int64, fileID uuid.UUID, w io.Writer) error {
	var doc Document

	if workspaceID != nil {
		ws, err := s.store.GetWorkspace(*workspaceID)
		if err != nil {
			return err
		}
		meta, err := s.store.LatestMetadata(ws, fileID, BaseFamily)
		if err != nil {
			return err
		}
		if meta == nil {
			return fmt.Errorf("%w: file %s in workspace %d", ErrNotFound, fileID, *workspaceID)
		}
		doc = meta.Document
	} else {
		committed, err := s.store.LatestGlobalMetadata(fileID)
		if err != nil {
			return err
		}
		meta, ok := committed[BaseFamily]
		if !ok {
			return fmt.Errorf("%w: file %s has not been committed", ErrNotFound, fileID)
		}
		doc = meta.Document
	}

	url, _ := doc[KeyURL].(string)
	if url == "" {
		return fmt.Errorf("%w: file %s has no stored contents", ErrNotFound, fileID)
	}
	return s.blob.Get(url, w)
}

// mutableWorkspace fetches a workspace and checks that its state permits
// metadata and file mutations.
func (s *Service) mutableWorkspace(id int64) (*Workspace, error) {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	if !ws.State.CanChangeMetadata() {
		return nil, fmt.Errorf("%w: workspace %d is in state %s", ErrPrecondition, id, ws.State)
	}
	return ws, nil
}

// splitCheckPath validates a relative file name and splits it into directory
// and filename parts. Absolute paths and upward traversal are rejected.
func splitCheckPath(name string) (dir, filename string, err error) {
	if name == "" {
		return "", "", fmt.Errorf("%w: empty file name", ErrPrecondition)
	}
	if strings.HasPrefix(name, "/") {
		return "", "", fmt.Errorf("%w: file name must be relative: %q", ErrPrecondition, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", "", fmt.Errorf("%w: invalid file name %q", ErrPrecondition, name)
	}

	dir, filename = path.Split(cleaned)
	dir = strings.TrimSuffix(dir, "/")
	if filename == "" {
		return "", "", fmt.Errorf("%w: missing filename in %q", ErrPrecondition, name)
	}
	return dir, filename, nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
