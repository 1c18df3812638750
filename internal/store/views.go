package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"quarry-go/internal/quarry"
)

// The materialized views turn the JSON metadata into flat relational tables
// that external tools can query directly. Each refresh builds a complete new
// set of tables under a fresh namespace prefix, registers it, and drops the
// previous namespace in the same transaction, so readers always see either
// the old set or the new set.

func (s *SQLiteStore) MaterializeWorkspaceViews(ws *quarry.Workspace, namespace string) error {
	return s.InTransaction(context.Background(), func(store quarry.Store) error {
		tx := store.(*SQLiteStore)
		resolved, err := tx.WorkspaceMetadata(ws)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(ws.Families))
		for _, fam := range ws.Families {
			names = append(names, fam.Name)
		}
		return tx.materialize(resolved, names, namespace, &ws.ID)
	})
}

func (s *SQLiteStore) MaterializeGlobalViews(namespace string) error {
	return s.InTransaction(context.Background(), func(store quarry.Store) error {
		tx := store.(*SQLiteStore)
		resolved, err := tx.globalMetadata()
		if err != nil {
			return err
		}
		versions, err := tx.GlobalFamilyVersions()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(versions))
		for name := range versions {
			names = append(names, name)
		}
		return tx.materialize(resolved, names, namespace, nil)
	})
}

// globalMetadata resolves the latest committed document per (file, family)
// pair, considering only the newest committed version of each family.
func (s *SQLiteStore) globalMetadata() ([]quarry.ResolvedMetadata, error) {
	rows, err := s.q.Query(`
		SELECT id, id_file, json, fk_family_id, family_name FROM (
			SELECT m.id, m.id_file, m.json, m.fk_family_id, f.name AS family_name,
			       ROW_NUMBER() OVER (PARTITION BY m.id_file, f.name ORDER BY f.version DESC, m.id DESC) AS rn
			FROM metadata m JOIN families f ON f.id = m.fk_family_id
			WHERE f.fk_workspace_id IS NULL
		) WHERE rn = 1
		ORDER BY id_file, family_name`)
	if err != nil {
		return nil, fmt.Errorf("resolving committed metadata: %w", err)
	}
	defer rows.Close()
	return scanResolvedRows(rows)
}

func (s *SQLiteStore) materialize(resolved []quarry.ResolvedMetadata, families []string, namespace string, workspaceID *int64) error {
	if !isSafeIdent(namespace) {
		return fmt.Errorf("%w: invalid namespace %q", quarry.ErrPrecondition, namespace)
	}

	// Every known family gets a table, including families that have no
	// documents yet. Their tables carry just the id column.
	byFamily := make(map[string][]quarry.ResolvedMetadata)
	var familyNames []string
	for _, name := range families {
		if _, ok := byFamily[name]; !ok {
			familyNames = append(familyNames, name)
			byFamily[name] = nil
		}
	}
	for _, r := range resolved {
		if _, ok := byFamily[r.FamilyName]; !ok {
			familyNames = append(familyNames, r.FamilyName)
		}
		byFamily[r.FamilyName] = append(byFamily[r.FamilyName], r)
	}
	sort.Strings(familyNames)

	// The swap is atomic to readers because drop, create and registration all
	// happen in one transaction. The previous set goes first since a refresh
	// within the same clock second reuses the namespace name.
	previous, err := s.previousNamespace(workspaceID)
	if err != nil {
		return err
	}
	if previous != "" {
		if err := s.dropNamespaceTables(previous); err != nil {
			return err
		}
	}

	for _, name := range familyNames {
		if err := s.createFamilyTable(namespace, name, byFamily[name]); err != nil {
			return err
		}
	}
	if err := s.createCombinedTable(namespace, familyNames, byFamily); err != nil {
		return err
	}

	if _, err := s.q.Exec(`
		INSERT INTO namespaces (name, workspace_id, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`, namespace, workspaceID); err != nil {
		return fmt.Errorf("registering namespace %q: %w", namespace, err)
	}
	return nil
}

// createFamilyTable builds one typed table per family. The column set is the
// union of keys seen across the family's documents, minus the file id which
// becomes the id column. Deleted files are excluded from the base table so
// its rows reflect only files that exist.
func (s *SQLiteStore) createFamilyTable(namespace, family string, rows []quarry.ResolvedMetadata) error {
	keySet := make(map[string]bool)
	var keys []string
	for _, r := range rows {
		for key := range r.Document {
			if key == quarry.KeyID || keySet[key] || !isSafeIdent(key) {
				continue
			}
			keySet[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	table := namespace + "__" + family
	cols := []string{"id TEXT PRIMARY KEY"}
	for _, key := range keys {
		cols = append(cols, key+" "+columnType(family, key))
	}
	if _, err := s.q.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("creating view table %s: %w", table, err)
	}

	placeholders := strings.Repeat(",?", len(keys)+1)[1:]
	insert := fmt.Sprintf("INSERT INTO %s (id%s) VALUES (%s)",
		table, joinPrefixed(keys), placeholders)
	for _, r := range rows {
		if family == quarry.BaseFamily && r.Document.State() == quarry.FileDeleted {
			continue
		}
		args := []any{r.FileID.String()}
		for _, key := range keys {
			args = append(args, r.Document[key])
		}
		if _, err := s.q.Exec(insert, args...); err != nil {
			return fmt.Errorf("populating view table %s: %w", table, err)
		}
	}
	return nil
}

// createCombinedTable builds the joined view: one row per base file with the
// raw JSON document of every family, missing family documents filled with an
// empty object.
func (s *SQLiteStore) createCombinedTable(namespace string, familyNames []string, byFamily map[string][]quarry.ResolvedMetadata) error {
	table := namespace + "__metadata"
	cols := []string{"id TEXT PRIMARY KEY"}
	for _, name := range familyNames {
		cols = append(cols, name+" TEXT NOT NULL")
	}
	if _, err := s.q.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("creating view table %s: %w", table, err)
	}

	docs := make(map[string]map[string]string) // file id -> family -> json
	var fileIDs []string
	for _, name := range familyNames {
		for _, r := range byFamily[name] {
			fid := r.FileID.String()
			if _, ok := docs[fid]; !ok {
				docs[fid] = make(map[string]string)
				fileIDs = append(fileIDs, fid)
			}
			raw, err := json.Marshal(r.Document)
			if err != nil {
				return fmt.Errorf("encoding document of file %s: %w", fid, err)
			}
			docs[fid][name] = string(raw)
		}
	}
	sort.Strings(fileIDs)

	placeholders := strings.Repeat(",?", len(familyNames)+1)[1:]
	insert := fmt.Sprintf("INSERT INTO %s (id%s) VALUES (%s)",
		table, joinPrefixed(familyNames), placeholders)
	for _, fid := range fileIDs {
		// A file only appears once it has a base document.
		if _, ok := docs[fid][quarry.BaseFamily]; !ok {
			continue
		}
		args := []any{fid}
		for _, name := range familyNames {
			raw, ok := docs[fid][name]
			if !ok {
				raw = "{}"
			}
			args = append(args, raw)
		}
		if _, err := s.q.Exec(insert, args...); err != nil {
			return fmt.Errorf("populating view table %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DropNamespace(namespace string) error {
	if namespace == "" {
		return nil
	}
	if !isSafeIdent(namespace) {
		return fmt.Errorf("%w: invalid namespace %q", quarry.ErrPrecondition, namespace)
	}
	return s.InTransaction(context.Background(), func(store quarry.Store) error {
		return store.(*SQLiteStore).dropNamespaceTables(namespace)
	})
}

func (s *SQLiteStore) dropNamespaceTables(namespace string) error {
	pattern := strings.NewReplacer("_", `\_`, "%", `\%`).Replace(namespace) + `\_\_%`
	rows, err := s.q.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return fmt.Errorf("finding tables of namespace %q: %w", namespace, err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, table := range tables {
		if _, err := s.q.Exec("DROP TABLE " + table); err != nil {
			return fmt.Errorf("dropping view table %s: %w", table, err)
		}
	}
	if _, err := s.q.Exec("DELETE FROM namespaces WHERE name = ?", namespace); err != nil {
		return fmt.Errorf("unregistering namespace %q: %w", namespace, err)
	}
	return nil
}

func (s *SQLiteStore) previousNamespace(workspaceID *int64) (string, error) {
	var query string
	var args []any
	if workspaceID == nil {
		query = "SELECT name FROM namespaces WHERE workspace_id IS NULL ORDER BY name DESC LIMIT 1"
	} else {
		query = "SELECT name FROM namespaces WHERE workspace_id = ? ORDER BY name DESC LIMIT 1"
		args = append(args, *workspaceID)
	}
	var name string
	err := s.q.QueryRow(query, args...).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("looking up previous namespace: %w", err)
	}
	return name, nil
}

// columnType maps a document key to a column type. Well-known base keys get
// typed columns; everything else is stored as text.
func columnType(family, key string) string {
	if family != quarry.BaseFamily {
		return "TEXT"
	}
	switch key {
	case quarry.KeySize:
		return "INTEGER"
	case quarry.KeyDate:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func joinPrefixed(names []string) string {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(", ")
		b.WriteString(name)
	}
	return b.String()
}
