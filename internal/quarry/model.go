package quarry

import (
	"time"

	"github.com/google/uuid"
)

// BaseFamily is the metadata family every workspace carries. It holds the
// file bookkeeping document (path, size, checksum, state, url).
const BaseFamily = "base"

// FileState is the lifecycle state of a file, stored as the "state" value
// inside its base family document rather than as a dedicated column.
type FileState string

const (
	// FileReady files are copied into durable global storage on commit.
	FileReady FileState = "READY"
	// FileTemporary files are excluded from commits entirely.
	FileTemporary FileState = "TEMPORARY"
	// FileDeleted files have their metadata cleared down to the id key.
	FileDeleted FileState = "DELETED"
)

// Well-known keys of the base family document.
const (
	KeyID       = "id"
	KeyFilename = "filename"
	KeyPath     = "path"
	KeySize     = "size"
	KeyChecksum = "checksum"
	KeyDate     = "date"
	KeyURL      = "url"
	KeyState    = "state"
)

// Document is a schema-less JSON metadata object. Every document carries an
// "id" key equal to the file id it describes.
type Document map[string]any

// Copy returns a shallow copy of the document. Values are JSON scalars in
// practice, so a shallow copy is sufficient for copy-on-write updates.
func (d Document) Copy() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Apply merges the partial document into a copy of d, like a dict update:
// existing keys are overwritten, new keys added, nothing is removed.
func (d Document) Apply(partial Document) Document {
	out := d.Copy()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// FileID returns the document's id key as a UUID, or uuid.Nil when absent
// or malformed.
func (d Document) FileID() uuid.UUID {
	s, ok := d[KeyID].(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// State returns the file state recorded in the document, if any.
func (d Document) State() FileState {
	s, _ := d[KeyState].(string)
	return FileState(s)
}

// Metadata is one immutable row of the metadata table: a JSON document
// describing one file under one family at one point in time. Updating
// metadata inserts a new row; rows visible to other workspaces are never
// mutated. Only workspace-local rows may have their whole document replaced.
type Metadata struct {
	ID       int64
	FileID   uuid.UUID
	FamilyID int64
	Document Document
}

// Family is a named, versioned group of metadata documents. A family with a
// nil WorkspaceID is global (committed and publicly visible); one owned by a
// workspace is a local, mutable draft. Version and WorkspaceID are never both
// nil: a draft may have an unresolved version, a global family is always
// versioned. Versions increase monotonically per family name.
type Family struct {
	ID          int64
	Name        string
	Version     *int64
	Description string
	WorkspaceID *int64
}

// Global reports whether the family has been committed (no owning workspace).
func (f *Family) Global() bool { return f.WorkspaceID == nil }

// Workspace is an isolated, versioned view of a subset of files and their
// metadata. LastMetadataID is the watermark: the most recent global metadata
// row visible when the workspace was initialized. Global rows committed after
// that point are invisible until the workspace commits or is re-created.
type Workspace struct {
	ID             int64
	Name           string
	Owner          string
	State          State
	Description    string
	Temporary      bool
	DataURL        string
	Namespace      string
	LastMetadataID *int64
	CreatedAt      time.Time

	// Families are the family rows this workspace uses, loaded with the
	// workspace. Keyed lookups go through Family.
	Families []*Family
}

// Family returns the workspace's family with the given name, or nil.
func (w *Workspace) Family(name string) *Family {
	for _, f := range w.Families {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FamilyNames returns the names of all families the workspace uses.
func (w *Workspace) FamilyNames() []string {
	names := make([]string, 0, len(w.Families))
	for _, f := range w.Families {
		names = append(names, f.Name)
	}
	return names
}

// Watermark returns the workspace's metadata watermark, treating an unset
// watermark as zero so that no global row is visible.
func (w *Workspace) Watermark() int64 {
	if w.LastMetadataID == nil {
		return 0
	}
	return *w.LastMetadataID
}
