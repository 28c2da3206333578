package store

import (
	"cmp"
	"database/sql"
	"fmt"
	"slices"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationStatus reports the current and available migration versions.
type MigrationStatus struct {
	CurrentVersion   int             `json:"current_version"`
	AvailableVersion int             `json:"available_version"`
	Pending          []MigrationInfo `json:"pending"`
}

// MigrationInfo describes a single migration.
type MigrationInfo struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// migrations is the ordered list of all schema migrations.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: notes, blobs, attachments",
		SQL: `
CREATE TABLE IF NOT EXISTS notes (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
  id TEXT PRIMARY KEY,
  digest TEXT NOT NULL UNIQUE,
  size_bytes INTEGER NOT NULL CHECK (size_bytes >= 0),
  storage_backend TEXT NOT NULL,
  blob_key TEXT NOT NULL,
  reference_count INTEGER NOT NULL DEFAULT 0 CHECK (reference_count >= 0),
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
  id TEXT PRIMARY KEY,
  note_id TEXT NOT NULL,
  blob_id TEXT NOT NULL,
  filename TEXT NOT NULL,
  declared_content_type TEXT,
  content_type TEXT NOT NULL,
  content_type_source TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  document_type_id TEXT NOT NULL,
  extraction_strategy TEXT NOT NULL,
  status TEXT NOT NULL,
  extracted_text TEXT,
  extracted_metadata_json TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY (note_id) REFERENCES notes(id),
  FOREIGN KEY (blob_id) REFERENCES blobs(id)
);

CREATE INDEX IF NOT EXISTS idx_attachments_note ON attachments(note_id, id);
CREATE INDEX IF NOT EXISTS idx_attachments_blob ON attachments(blob_id);
CREATE INDEX IF NOT EXISTS idx_blobs_refcount ON blobs(reference_count, created_at);
`,
	},
	{
		Version:     2,
		Description: "extraction job queue",
		SQL: `
CREATE TABLE IF NOT EXISTS extraction_jobs (
  id TEXT PRIMARY KEY,
  attachment_id TEXT NOT NULL,
  strategy TEXT NOT NULL,
  status TEXT NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  claimed_by TEXT,
  lease_expires_at INTEGER,
  last_error TEXT,
  error_kind TEXT,
  created_at TEXT NOT NULL,
  started_at TEXT,
  completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_id ON extraction_jobs(status, id);
CREATE INDEX IF NOT EXISTS idx_jobs_attachment ON extraction_jobs(attachment_id, id);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON extraction_jobs(status, lease_expires_at);
`,
	},
	{
		Version:     3,
		Description: "capture facts forwarded from image EXIF",
		SQL: `
CREATE TABLE IF NOT EXISTS capture_facts (
  attachment_id TEXT PRIMARY KEY,
  latitude REAL,
  longitude REAL,
  altitude REAL,
  capture_time TEXT,
  device_make TEXT,
  device_model TEXT,
  device_software TEXT,
  recorded_at TEXT NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "system config for the job pause switch",
		SQL: `
CREATE TABLE IF NOT EXISTS system_config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`,
	},
}

const (
	migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`
	recordMigrationSQL = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`
)

// appliedVersion makes sure the bookkeeping table exists and returns the
// highest version recorded in it, or 0 on a fresh database.
func appliedVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(migrationsTableSQL); err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func sortedMigrations() []Migration {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return sorted
}

// pendingAfter returns the migrations newer than version, oldest first.
func pendingAfter(version int) []Migration {
	var pending []Migration
	for _, m := range sortedMigrations() {
		if m.Version > version {
			pending = append(pending, m)
		}
	}
	return pending
}

// runMigrations applies every pending migration, each in its own transaction.
func runMigrations(db *sql.DB) error {
	current, err := appliedVersion(db)
	if err != nil {
		return err
	}
	for _, m := range pendingAfter(current) {
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err = tx.Exec(recordMigrationSQL, m.Version); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// MigrationPlan returns the current migration status without applying anything.
func (s *Store) MigrationPlan() (*MigrationStatus, error) {
	return migrationStatus(s.db)
}

// InspectMigrations reports the migration status of the database at path
// without opening a Store, so nothing is applied.
func InspectMigrations(path string) (*MigrationStatus, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return migrationStatus(db)
}

func migrationStatus(db *sql.DB) (*MigrationStatus, error) {
	current, err := appliedVersion(db)
	if err != nil {
		return nil, err
	}
	status := &MigrationStatus{CurrentVersion: current}
	if sorted := sortedMigrations(); len(sorted) > 0 {
		status.AvailableVersion = sorted[len(sorted)-1].Version
	}
	for _, m := range pendingAfter(current) {
		status.Pending = append(status.Pending, MigrationInfo{Version: m.Version, Description: m.Description})
	}
	return status, nil
}
