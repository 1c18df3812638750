package store

// Schema is the base table layout, kept in sync with the embedded
// migrations. Tests apply it directly to in-memory databases instead of
// running the migration machinery.
const Schema = `
CREATE TABLE workspaces (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    owner TEXT NOT NULL,
    state TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    temporary INTEGER NOT NULL DEFAULT 0,
    data_url TEXT NOT NULL DEFAULT '',
    namespace TEXT NOT NULL DEFAULT '',
    fk_last_metadata_id INTEGER,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (name, owner)
);

CREATE INDEX ix_workspaces_name_owner ON workspaces (name, owner);

CREATE TABLE families (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    version INTEGER,
    description TEXT NOT NULL DEFAULT '',
    fk_workspace_id INTEGER REFERENCES workspaces (id),
    CHECK (version IS NOT NULL OR fk_workspace_id IS NOT NULL),
    UNIQUE (name, fk_workspace_id)
);

CREATE INDEX ix_families_name ON families (name);

CREATE TABLE metadata (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    id_file TEXT NOT NULL,
    json TEXT NOT NULL,
    fk_family_id INTEGER NOT NULL REFERENCES families (id),
    CHECK (json_extract(json, '$.id') IS NOT NULL)
);

CREATE INDEX ix_metadata_id_file ON metadata (id_file);
CREATE INDEX ix_metadata_family ON metadata (fk_family_id);

CREATE TABLE namespaces (
    name TEXT PRIMARY KEY,
    workspace_id INTEGER,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
