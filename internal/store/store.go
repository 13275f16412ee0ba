package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for spindex's unit and provider cache.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all tables and indexes. Idempotent. A database written
// under an older schema is dropped and recreated; it only holds a cache, so
// the next pass rebuilds it.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(metadataDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	version, err := s.GetMetadata(MetaSchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if version != schemaVersion {
		if _, err := s.db.Exec(dropDDL); err != nil {
			return fmt.Errorf("migrate: drop old schema: %w", err)
		}
	}
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if _, err := s.db.Exec(upsertMetadataSQL, MetaSchemaVersion, schemaVersion); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// schemaVersion changes whenever schemaDDL does.
const schemaVersion = "2"

const metadataDDL = `
CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);
`

const dropDDL = `
DROP TABLE IF EXISTS provider_services;
DROP TABLE IF EXISTS providers;
DROP TABLE IF EXISTS unit_types;
DROP TABLE IF EXISTS units;
DELETE FROM metadata;
`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS units (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL UNIQUE,
  hash            TEXT NOT NULL,
  is_host         BOOLEAN DEFAULT FALSE,
  deferred        BOOLEAN DEFAULT FALSE,
  last_indexed    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS unit_types (
  id              INTEGER PRIMARY KEY,
  unit_id         INTEGER NOT NULL REFERENCES units(id),
  class_name      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
  id              INTEGER PRIMARY KEY,
  unit_id         INTEGER NOT NULL REFERENCES units(id),
  class_name      TEXT NOT NULL,
  singleton       BOOLEAN DEFAULT FALSE,
  seq             INTEGER NOT NULL,
  claim           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS provider_services (
  id              INTEGER PRIMARY KEY,
  provider_id     INTEGER NOT NULL REFERENCES providers(id),
  ordinal         INTEGER NOT NULL,
  service         TEXT NOT NULL,
  priority        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_unit_types_unit ON unit_types(unit_id);
CREATE INDEX IF NOT EXISTS idx_providers_unit ON providers(unit_id);
CREATE INDEX IF NOT EXISTS idx_providers_class ON providers(class_name);
CREATE INDEX IF NOT EXISTS idx_provider_services_provider ON provider_services(provider_id);
CREATE INDEX IF NOT EXISTS idx_provider_services_service ON provider_services(service);
`

// deleteUnitDataTx removes the rows a unit owns, keeping the unit row.
func deleteUnitDataTx(tx *sql.Tx, unitID int64) error {
	if _, err := tx.Exec(
		"DELETE FROM provider_services WHERE provider_id IN (SELECT id FROM providers WHERE unit_id = ?)", unitID,
	); err != nil {
		return fmt.Errorf("delete provider services: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM providers WHERE unit_id = ?", unitID); err != nil {
		return fmt.Errorf("delete providers: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM unit_types WHERE unit_id = ?", unitID); err != nil {
		return fmt.Errorf("delete unit types: %w", err)
	}
	return nil
}

// GetMetadata returns the value stored under key, or "" when absent.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, nil
}

const upsertMetadataSQL = `INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
