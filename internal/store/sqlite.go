package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"quarry-go/internal/quarry"
	"quarry-go/internal/store/migrations"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// every query method works both standalone and inside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLiteStore implements quarry.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB // nil when the store is bound to a transaction
	q  querier
}

var _ quarry.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreFromDB(db), nil
}

// NewSQLiteStoreFromDB wraps an existing database connection. The caller is
// responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, q: db}
}

// OpenConnection opens and configures a SQLite connection. Transactions are
// opened IMMEDIATE so that the write lock is taken at BEGIN: this is the
// exclusive metadata lock the commit protocol relies on. path can be a file
// path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=10000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would get its own private in-memory
		// database; force a single connection so there is only one.
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

// CheckMigrations verifies that the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	if s.db == nil {
		return fmt.Errorf("cannot check migrations inside a transaction")
	}
	return migrations.CheckStatus(s.db)
}

// MigrateUp brings the schema to the latest version.
func (s *SQLiteStore) MigrateUp() error {
	if s.db == nil {
		return fmt.Errorf("cannot migrate inside a transaction")
	}
	return migrations.MigrateUp(s.db)
}

// InTransaction runs fn against a store bound to one transaction. When the
// store is already transaction-bound, fn joins the ongoing transaction.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(tx quarry.Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&SQLiteStore{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Workspace operations

func (s *SQLiteStore) CreateWorkspace(ws *quarry.Workspace) error {
	res, err := s.q.Exec(`
		INSERT INTO workspaces (name, owner, state, description, temporary, data_url, namespace, fk_last_metadata_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.Name, ws.Owner, string(ws.State), ws.Description, ws.Temporary,
		ws.DataURL, ws.Namespace, ws.LastMetadataID, ws.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: a workspace named %q already exists for owner %q",
				quarry.ErrPrecondition, ws.Name, ws.Owner)
		}
		return fmt.Errorf("creating workspace: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading workspace id: %w", err)
	}
	ws.ID = id
	return nil
}

func (s *SQLiteStore) GetWorkspace(id int64) (*quarry.Workspace, error) {
	ws, err := s.scanWorkspace(s.q.QueryRow(`
		SELECT id, name, owner, state, description, temporary, data_url, namespace, fk_last_metadata_id, created_at
		FROM workspaces WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: workspace %d", quarry.ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading workspace %d: %w", id, err)
	}

	if err := s.loadFamilies(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *SQLiteStore) ListWorkspaces(filter quarry.WorkspaceFilter) ([]*quarry.Workspace, error) {
	query := `
		SELECT id, name, owner, state, description, temporary, data_url, namespace, fk_last_metadata_id, created_at
		FROM workspaces WHERE 1=1`
	var args []any
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	if !filter.IncludeDeleted {
		query += " AND state != ?"
		args = append(args, string(quarry.StateDeleted))
	}
	query += " ORDER BY id DESC"

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []*quarry.Workspace
	for rows.Next() {
		ws, err := s.scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ws := range out {
		if err := s.loadFamilies(ws); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) SaveWorkspace(ws *quarry.Workspace) error {
	res, err := s.q.Exec(`
		UPDATE workspaces
		SET state = ?, data_url = ?, namespace = ?, fk_last_metadata_id = ?
		WHERE id = ?`,
		string(ws.State), ws.DataURL, ws.Namespace, ws.LastMetadataID, ws.ID)
	if err != nil {
		return fmt.Errorf("saving workspace %d: %w", ws.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: workspace %d", quarry.ErrNotFound, ws.ID)
	}
	return nil
}

// rowScanner lets scanWorkspace work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanWorkspace(row rowScanner) (*quarry.Workspace, error) {
	var ws quarry.Workspace
	var state string
	var lastMeta sql.NullInt64
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Owner, &state, &ws.Description,
		&ws.Temporary, &ws.DataURL, &ws.Namespace, &lastMeta, &ws.CreatedAt); err != nil {
		return nil, err
	}
	ws.State = quarry.State(state)
	if lastMeta.Valid {
		ws.LastMetadataID = &lastMeta.Int64
	}
	return &ws, nil
}

func (s *SQLiteStore) loadFamilies(ws *quarry.Workspace) error {
	rows, err := s.q.Query(`
		SELECT id, name, version, description, fk_workspace_id
		FROM families WHERE fk_workspace_id = ? ORDER BY name`, ws.ID)
	if err != nil {
		return fmt.Errorf("loading families of workspace %d: %w", ws.ID, err)
	}
	defer rows.Close()

	ws.Families = nil
	for rows.Next() {
		fam, err := scanFamily(rows)
		if err != nil {
			return err
		}
		ws.Families = append(ws.Families, fam)
	}
	return rows.Err()
}

// Family operations

func (s *SQLiteStore) AddFamily(f *quarry.Family) error {
	res, err := s.q.Exec(`
		INSERT INTO families (name, version, description, fk_workspace_id)
		VALUES (?, ?, ?, ?)`,
		f.Name, f.Version, f.Description, f.WorkspaceID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: family %q already exists in this workspace", quarry.ErrPrecondition, f.Name)
		}
		return fmt.Errorf("adding family %q: %w", f.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	f.ID = id
	return nil
}

func (s *SQLiteStore) UpdateFamily(f *quarry.Family) error {
	_, err := s.q.Exec(`
		UPDATE families SET version = ?, fk_workspace_id = ? WHERE id = ?`,
		f.Version, f.WorkspaceID, f.ID)
	if err != nil {
		return fmt.Errorf("updating family %d: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GlobalFamilyVersions() (map[string]int64, error) {
	rows, err := s.q.Query(`
		SELECT name, MAX(version) FROM families
		WHERE fk_workspace_id IS NULL GROUP BY name`)
	if err != nil {
		return nil, fmt.Errorf("loading global family versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var version int64
		if err := rows.Scan(&name, &version); err != nil {
			return nil, err
		}
		out[name] = version
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GlobalFamilyExists(name string, version int64) (bool, error) {
	var count int
	err := s.q.QueryRow(`
		SELECT COUNT(*) FROM families
		WHERE name = ? AND version = ? AND fk_workspace_id IS NULL`,
		name, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking family %q version %d: %w", name, version, err)
	}
	return count > 0, nil
}

func scanFamily(rows *sql.Rows) (*quarry.Family, error) {
	var fam quarry.Family
	var version, workspaceID sql.NullInt64
	if err := rows.Scan(&fam.ID, &fam.Name, &version, &fam.Description, &workspaceID); err != nil {
		return nil, err
	}
	if version.Valid {
		fam.Version = &version.Int64
	}
	if workspaceID.Valid {
		fam.WorkspaceID = &workspaceID.Int64
	}
	return &fam, nil
}

// Metadata operations

func (s *SQLiteStore) InsertMetadata(m *quarry.Metadata) error {
	doc, err := json.Marshal(m.Document)
	if err != nil {
		return fmt.Errorf("encoding metadata document: %w", err)
	}
	res, err := s.q.Exec(`
		INSERT INTO metadata (id_file, json, fk_family_id) VALUES (?, ?, ?)`,
		m.FileID.String(), string(doc), m.FamilyID)
	if err != nil {
		return fmt.Errorf("inserting metadata for file %s: %w", m.FileID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

func (s *SQLiteStore) ReplaceMetadataDocument(id int64, doc quarry.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding metadata document: %w", err)
	}
	// The family join guards row immutability: only rows owned by a
	// workspace draft may be replaced.
	res, err := s.q.Exec(`
		UPDATE metadata SET json = ?
		WHERE id = ? AND fk_family_id IN (SELECT id FROM families WHERE fk_workspace_id IS NOT NULL)`,
		string(data), id)
	if err != nil {
		return fmt.Errorf("replacing metadata %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("metadata row %d is missing or immutable", id)
	}
	return nil
}

func (s *SQLiteStore) ReassignMetadata(familyID, newFamilyID int64, fileIDs []uuid.UUID) error {
	if len(fileIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(fileIDs))[1:]
	args := []any{newFamilyID, familyID}
	for _, fid := range fileIDs {
		args = append(args, fid.String())
	}
	_, err := s.q.Exec(fmt.Sprintf(`
		UPDATE metadata SET fk_family_id = ?
		WHERE fk_family_id = ? AND id_file IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("reassigning metadata of family %d: %w", familyID, err)
	}
	return nil
}

func (s *SQLiteStore) FamilyMetadata(familyID int64) ([]*quarry.Metadata, error) {
	rows, err := s.q.Query(`
		SELECT id, id_file, json, fk_family_id FROM metadata
		WHERE fk_family_id = ? ORDER BY id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("loading metadata of family %d: %w", familyID, err)
	}
	defer rows.Close()
	return scanMetadataRows(rows)
}

func (s *SQLiteStore) LatestMetadata(ws *quarry.Workspace, fileID uuid.UUID, familyName string) (*quarry.Metadata, error) {
	// Workspace-local rows take precedence.
	m, err := s.oneMetadata(`
		SELECT m.id, m.id_file, m.json, m.fk_family_id
		FROM metadata m JOIN families f ON f.id = m.fk_family_id
		WHERE m.id_file = ? AND f.name = ? AND f.fk_workspace_id = ?
		ORDER BY m.id DESC LIMIT 1`,
		fileID.String(), familyName, ws.ID)
	if err != nil || m != nil {
		return m, err
	}

	// Fall back to the newest global row at or below the watermark; rows
	// committed after the watermark stay invisible.
	return s.oneMetadata(`
		SELECT m.id, m.id_file, m.json, m.fk_family_id
		FROM metadata m JOIN families f ON f.id = m.fk_family_id
		WHERE m.id_file = ? AND f.name = ? AND f.fk_workspace_id IS NULL AND m.id <= ?
		ORDER BY m.id DESC LIMIT 1`,
		fileID.String(), familyName, ws.Watermark())
}

func (s *SQLiteStore) WorkspaceMetadata(ws *quarry.Workspace) ([]quarry.ResolvedMetadata, error) {
	// Union of watermark-bounded global rows and local rows, keeping the
	// highest-id row per (file, family) pair. A single query avoids the N+1
	// pattern of resolving file by file.
	rows, err := s.q.Query(`
		SELECT id, id_file, json, fk_family_id, family_name FROM (
			SELECT m.id, m.id_file, m.json, m.fk_family_id, f.name AS family_name,
			       ROW_NUMBER() OVER (PARTITION BY m.id_file, f.name ORDER BY m.id DESC) AS rn
			FROM metadata m JOIN families f ON f.id = m.fk_family_id
			WHERE (f.fk_workspace_id IS NULL AND m.id <= ?
			       AND f.name IN (SELECT name FROM families WHERE fk_workspace_id = ?))
			   OR f.fk_workspace_id = ?
		) WHERE rn = 1
		ORDER BY id_file, family_name`,
		ws.Watermark(), ws.ID, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace %d metadata: %w", ws.ID, err)
	}
	defer rows.Close()
	return scanResolvedRows(rows)
}

func (s *SQLiteStore) LatestGlobalMetadata(fileID uuid.UUID) (map[string]*quarry.Metadata, error) {
	rows, err := s.q.Query(`
		SELECT id, id_file, json, fk_family_id, family_name FROM (
			SELECT m.id, m.id_file, m.json, m.fk_family_id, f.name AS family_name,
			       ROW_NUMBER() OVER (PARTITION BY f.name ORDER BY f.version DESC, m.id DESC) AS rn
			FROM metadata m JOIN families f ON f.id = m.fk_family_id
			WHERE m.id_file = ? AND f.fk_workspace_id IS NULL
		) WHERE rn = 1`,
		fileID.String())
	if err != nil {
		return nil, fmt.Errorf("resolving committed metadata of file %s: %w", fileID, err)
	}
	defer rows.Close()

	resolved, err := scanResolvedRows(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*quarry.Metadata, len(resolved))
	for i := range resolved {
		m := resolved[i].Metadata
		out[resolved[i].FamilyName] = &m
	}
	return out, nil
}

func (s *SQLiteStore) LatestGlobalMetadataID() (*int64, error) {
	var id sql.NullInt64
	err := s.q.QueryRow(`
		SELECT MAX(m.id) FROM metadata m
		JOIN families f ON f.id = m.fk_family_id
		WHERE f.fk_workspace_id IS NULL`).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("reading latest global metadata id: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.Int64, nil
}

func (s *SQLiteStore) ListFiles(ws *quarry.Workspace, filters map[string]string, page quarry.Page) (*quarry.FilePage, error) {
	if page.Limit <= 0 {
		page.Limit = 100
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	var inner string
	var args []any
	if ws == nil {
		inner = `
			SELECT m.id, m.json,
			       ROW_NUMBER() OVER (PARTITION BY m.id_file ORDER BY m.id DESC) AS rn
			FROM metadata m JOIN families f ON f.id = m.fk_family_id
			WHERE f.name = 'base' AND f.fk_workspace_id IS NULL`
	} else {
		inner = `
			SELECT m.id, m.json,
			       ROW_NUMBER() OVER (PARTITION BY m.id_file ORDER BY m.id DESC) AS rn
			FROM metadata m JOIN families f ON f.id = m.fk_family_id
			WHERE f.name = 'base'
			  AND ((f.fk_workspace_id IS NULL AND m.id <= ?) OR f.fk_workspace_id = ?)`
		args = append(args, ws.Watermark(), ws.ID)
	}

	where := "rn = 1"
	for key, value := range filters {
		if !isSafeIdent(key) {
			return nil, fmt.Errorf("%w: invalid filter key %q", quarry.ErrPrecondition, key)
		}
		// Compare textually: document values may be numbers.
		where += fmt.Sprintf(" AND CAST(json_extract(json, '$.%s') AS TEXT) = ?", key)
		args = append(args, value)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM (%s) WHERE %s", inner, where)
	if err := s.q.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}

	listQuery := fmt.Sprintf(
		"SELECT json FROM (%s) WHERE %s ORDER BY id DESC LIMIT ? OFFSET ?", inner, where)
	rows, err := s.q.Query(listQuery, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	result := &quarry.FilePage{Total: total, Limit: page.Limit, Offset: page.Offset}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc quarry.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decoding metadata document: %w", err)
		}
		result.Items = append(result.Items, doc)
	}
	return result, rows.Err()
}

// oneMetadata runs a query expected to return at most one metadata row.
// No row yields (nil, nil).
func (s *SQLiteStore) oneMetadata(query string, args ...any) (*quarry.Metadata, error) {
	var m quarry.Metadata
	var fileID, raw string
	err := s.q.QueryRow(query, args...).Scan(&m.ID, &fileID, &raw, &m.FamilyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if m.FileID, err = uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("invalid file id %q: %w", fileID, err)
	}
	if err := json.Unmarshal([]byte(raw), &m.Document); err != nil {
		return nil, fmt.Errorf("decoding metadata document: %w", err)
	}
	return &m, nil
}

func scanMetadataRows(rows *sql.Rows) ([]*quarry.Metadata, error) {
	var out []*quarry.Metadata
	for rows.Next() {
		var m quarry.Metadata
		var fileID, raw string
		if err := rows.Scan(&m.ID, &fileID, &raw, &m.FamilyID); err != nil {
			return nil, err
		}
		var err error
		if m.FileID, err = uuid.Parse(fileID); err != nil {
			return nil, fmt.Errorf("invalid file id %q: %w", fileID, err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Document); err != nil {
			return nil, fmt.Errorf("decoding metadata document: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanResolvedRows(rows *sql.Rows) ([]quarry.ResolvedMetadata, error) {
	var out []quarry.ResolvedMetadata
	for rows.Next() {
		var r quarry.ResolvedMetadata
		var fileID, raw string
		if err := rows.Scan(&r.ID, &fileID, &raw, &r.FamilyID, &r.FamilyName); err != nil {
			return nil, err
		}
		var err error
		if r.FileID, err = uuid.Parse(fileID); err != nil {
			return nil, fmt.Errorf("invalid file id %q: %w", fileID, err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Document); err != nil {
			return nil, fmt.Errorf("decoding metadata document: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// isSafeIdent reports whether s is usable as an identifier fragment in
// dynamically built SQL.
func isSafeIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
