package store

import (
	"database/sql"
	"fmt"
	"maps"
	"slices"

	"github.com/jward/spindex/internal/provider"
)

// Commit writes all buffered data from a Batch into SQLite within a single
// transaction. Either the whole pass lands or none of it does.
//
// Apply order:
//  1. Reset (drop every unit)
//  2. Deletes
//  3. Unit upserts with their types and providers
//  4. Metadata
func (s *Store) Commit(batch *Batch) error {
	batch.mu.Lock()
	defer batch.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	// 1. Reset
	if batch.Reset {
		for _, q := range []string{
			"DELETE FROM provider_services",
			"DELETE FROM providers",
			"DELETE FROM unit_types",
			"DELETE FROM units",
		} {
			if _, err := tx.Exec(q); err != nil {
				return fmt.Errorf("commit batch: reset: %w", err)
			}
		}
	}

	// 2. Deletes
	for chunk := range slices.Chunk(batch.Deletes, deleteChunkSize) {
		if err := deleteUnitsByPathTx(tx, chunk); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}

	// 3. Units
	for _, w := range batch.Units {
		id, err := upsertUnitTx(tx, &w.Unit)
		if err != nil {
			return fmt.Errorf("commit batch: unit %s: %w", w.Unit.Path, err)
		}
		if err := deleteUnitDataTx(tx, id); err != nil {
			return fmt.Errorf("commit batch: unit %s: %w", w.Unit.Path, err)
		}
		if err := insertUnitTypesTx(tx, id, w.Unit.Types); err != nil {
			return fmt.Errorf("commit batch: unit %s: %w", w.Unit.Path, err)
		}
		if err := insertProvidersTx(tx, id, w.Providers); err != nil {
			return fmt.Errorf("commit batch: unit %s: %w", w.Unit.Path, err)
		}
	}

	// 4. Metadata
	for _, key := range slices.Sorted(maps.Keys(batch.Metadata)) {
		if _, err := tx.Exec(upsertMetadataSQL, key, batch.Metadata[key]); err != nil {
			return fmt.Errorf("commit batch: metadata %q: %w", key, err)
		}
	}

	return tx.Commit()
}

// --- Transaction-scoped helpers ---

// deleteChunkSize keeps IN lists well under SQLite's variable limit.
const deleteChunkSize = 500

func deleteUnitsByPathTx(tx *sql.Tx, paths []string) error {
	placeholders := placeholderList(len(paths))
	args := stringsToArgs(paths)
	for _, q := range []string{
		"DELETE FROM provider_services WHERE provider_id IN (SELECT p.id FROM providers p JOIN units u ON u.id = p.unit_id WHERE u.path IN (" + placeholders + "))",
		"DELETE FROM providers WHERE unit_id IN (SELECT id FROM units WHERE path IN (" + placeholders + "))",
		"DELETE FROM unit_types WHERE unit_id IN (SELECT id FROM units WHERE path IN (" + placeholders + "))",
		"DELETE FROM units WHERE path IN (" + placeholders + ")",
	} {
		if _, err := tx.Exec(q, args...); err != nil {
			return fmt.Errorf("delete units: %w", err)
		}
	}
	return nil
}

func unitIDTx(tx *sql.Tx, path string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow("SELECT id FROM units WHERE path = ?", path).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func upsertUnitTx(tx *sql.Tx, u *Unit) (int64, error) {
	_, err := tx.Exec(
		`INSERT INTO units (path, hash, is_host, deferred, last_indexed) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   hash = excluded.hash, is_host = excluded.is_host,
		   deferred = excluded.deferred, last_indexed = excluded.last_indexed`,
		u.Path, u.Hash, u.IsHost, u.Deferred, u.LastIndexed,
	)
	if err != nil {
		return 0, err
	}
	id, _, err := unitIDTx(tx, u.Path)
	if err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

func insertUnitTypesTx(tx *sql.Tx, unitID int64, names []string) error {
	for _, name := range names {
		if _, err := tx.Exec("INSERT INTO unit_types (unit_id, class_name) VALUES (?, ?)", unitID, name); err != nil {
			return fmt.Errorf("insert unit type %q: %w", name, err)
		}
	}
	return nil
}

func insertProvidersTx(tx *sql.Tx, unitID int64, descs []provider.Descriptor) error {
	for _, d := range descs {
		priorities := provider.NormalizePriorities(d.Priorities, len(d.Services))
		res, err := tx.Exec(
			"INSERT INTO providers (unit_id, class_name, singleton, seq, claim) VALUES (?, ?, ?, ?, ?)",
			unitID, d.ClassName, d.Singleton, d.Seq, d.Claim,
		)
		if err != nil {
			return fmt.Errorf("insert provider %q: %w", d.ClassName, err)
		}
		providerID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		for i, service := range d.Services {
			if _, err := tx.Exec(
				"INSERT INTO provider_services (provider_id, ordinal, service, priority) VALUES (?, ?, ?, ?)",
				providerID, i, service, priorities[i],
			); err != nil {
				return fmt.Errorf("insert provider service %q: %w", service, err)
			}
		}
	}
	return nil
}
