package quarry

import (
	"context"

	"github.com/google/uuid"
)

// ResolvedMetadata is a metadata row together with the name of the family
// that owns it, as produced by the bulk resolution queries.
type ResolvedMetadata struct {
	Metadata
	FamilyName string
}

// WorkspaceFilter narrows a workspace listing. Zero values match everything;
// deleted workspaces are excluded unless IncludeDeleted is set.
type WorkspaceFilter struct {
	Name           string
	Owner          string
	IncludeDeleted bool
}

// Page is a limit/offset pagination request.
type Page struct {
	Limit  int
	Offset int
}

// FilePage is one page of resolved base-family documents plus the total
// number of matching files.
type FilePage struct {
	Items  []Document
	Total  int
	Limit  int
	Offset int
}

// Store is the relational store for workspaces, families and metadata. It is
// the single source of truth and the sole synchronization mechanism of the
// engine.
type Store interface {
	// Workspace operations

	// CreateWorkspace inserts a new workspace and assigns its id. A duplicate
	// (name, owner) pair fails with ErrPrecondition.
	CreateWorkspace(ws *Workspace) error

	// GetWorkspace returns a workspace with its families loaded, or
	// ErrNotFound.
	GetWorkspace(id int64) (*Workspace, error)

	// ListWorkspaces returns workspaces matching the filter, newest first.
	ListWorkspaces(filter WorkspaceFilter) ([]*Workspace, error)

	// SaveWorkspace persists the mutable workspace fields: state, data
	// location, namespace and watermark.
	SaveWorkspace(ws *Workspace) error

	// Family operations

	// AddFamily inserts a family row and assigns its id.
	AddFamily(f *Family) error

	// UpdateFamily persists the version and workspace ownership of a family.
	UpdateFamily(f *Family) error

	// GlobalFamilyVersions returns the latest committed version per family
	// name.
	GlobalFamilyVersions() (map[string]int64, error)

	// GlobalFamilyExists reports whether a committed family exists at exactly
	// the given name and version.
	GlobalFamilyExists(name string, version int64) (bool, error)

	// Metadata operations

	// InsertMetadata appends a new metadata row and assigns its id.
	InsertMetadata(m *Metadata) error

	// ReplaceMetadataDocument replaces the whole document of an existing row.
	// Only workspace-local rows may be replaced; rows owned by a committed
	// family are immutable.
	ReplaceMetadataDocument(id int64, doc Document) error

	// ReassignMetadata moves the rows of the listed files from one family to
	// another. Used at commit time to keep temporary files on the workspace
	// draft.
	ReassignMetadata(familyID, newFamilyID int64, fileIDs []uuid.UUID) error

	// FamilyMetadata returns all metadata rows owned by a family.
	FamilyMetadata(familyID int64) ([]*Metadata, error)

	// LatestMetadata resolves the authoritative document for a file/family
	// pair in a workspace: the workspace-local row if one exists, otherwise
	// the most recent global row at or below the workspace watermark, and
	// nil when neither exists.
	LatestMetadata(ws *Workspace, fileID uuid.UUID, familyName string) (*Metadata, error)

	// WorkspaceMetadata resolves the whole workspace in one query: the union
	// of watermark-bounded global rows and local rows, deduplicated per
	// (file, family) keeping the highest row id.
	WorkspaceMetadata(ws *Workspace) ([]ResolvedMetadata, error)

	// LatestGlobalMetadata returns, per family name, the latest committed
	// document for a file, considering only the newest version of each
	// family.
	LatestGlobalMetadata(fileID uuid.UUID) (map[string]*Metadata, error)

	// LatestGlobalMetadataID returns the id of the newest committed metadata
	// row, or nil when none exists. Used to compute watermarks.
	LatestGlobalMetadataID() (*int64, error)

	// ListFiles returns one page of resolved base-family documents. With a
	// nil workspace it lists the latest committed files. Filters match
	// well-known base keys exactly.
	ListFiles(ws *Workspace, filters map[string]string, page Page) (*FilePage, error)

	// Materialized views

	// MaterializeWorkspaceViews rebuilds the workspace's queryable views
	// inside the given fresh namespace and drops the previous namespace in
	// the same transaction.
	MaterializeWorkspaceViews(ws *Workspace, namespace string) error

	// MaterializeGlobalViews rebuilds the global views of the latest
	// committed state inside the given fresh namespace.
	MaterializeGlobalViews(namespace string) error

	// DropNamespace removes a namespace and all tables in it.
	DropNamespace(namespace string) error

	// InTransaction runs fn against a store bound to a single write-locked
	// transaction. A non-nil error from fn rolls everything back. Commit runs
	// entirely inside one such transaction; the write lock guarantees at most
	// one commit proceeds at a time.
	InTransaction(ctx context.Context, fn func(tx Store) error) error

	// Close closes the underlying connection.
	Close() error
}
