package store

import (
	"database/sql"
	"fmt"

	"github.com/jward/spindex/internal/provider"
)

// --- Unit operations ---

const unitColumns = "id, path, hash, is_host, deferred, last_indexed"

func (s *Store) scanUnit(scanner interface{ Scan(...any) error }) (*Unit, error) {
	u := &Unit{}
	var (
		deferred    sql.NullBool
		lastIndexed sql.NullTime
	)
	if err := scanner.Scan(&u.ID, &u.Path, &u.Hash, &u.IsHost, &deferred, &lastIndexed); err != nil {
		return nil, err
	}
	u.Deferred = deferred.Bool
	u.LastIndexed = lastIndexed.Time
	return u, nil
}

func (s *Store) UnitByPath(path string) (*Unit, error) {
	u, err := s.scanUnit(s.db.QueryRow(
		"SELECT "+unitColumns+" FROM units WHERE path = ?", path,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unit by path: %w", err)
	}
	if u.Types, err = s.unitTypes(u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

// Units returns every stored unit ordered by path.
func (s *Store) Units() ([]*Unit, error) {
	rows, err := s.db.Query("SELECT " + unitColumns + " FROM units ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("units: %w", err)
	}
	defer rows.Close()
	var units []*Unit
	for rows.Next() {
		u, err := s.scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// UnitHashes returns path → content hash for every stored unit.
func (s *Store) UnitHashes() (map[string]string, error) {
	rows, err := s.db.Query("SELECT path, hash FROM units")
	if err != nil {
		return nil, fmt.Errorf("unit hashes: %w", err)
	}
	defer rows.Close()
	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("scan unit hash: %w", err)
		}
		hashes[path] = hash
	}
	return hashes, rows.Err()
}

func (s *Store) unitTypes(unitID int64) ([]string, error) {
	rows, err := s.db.Query("SELECT class_name FROM unit_types WHERE unit_id = ? ORDER BY id", unitID)
	if err != nil {
		return nil, fmt.Errorf("unit types: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan unit type: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- Provider operations ---

// ProvidersByUnit returns the descriptors declared by a unit in sequence
// order, shadowed ones included.
func (s *Store) ProvidersByUnit(unitID int64) ([]provider.Descriptor, error) {
	rows, err := s.db.Query(
		`SELECT p.id, p.class_name, p.singleton, p.seq, p.claim, ps.service, ps.priority
		 FROM providers p
		 LEFT JOIN provider_services ps ON ps.provider_id = p.id
		 WHERE p.unit_id = ?
		 ORDER BY p.seq, p.id, ps.ordinal`, unitID,
	)
	if err != nil {
		return nil, fmt.Errorf("providers by unit: %w", err)
	}
	defer rows.Close()

	var descs []provider.Descriptor
	lastID := int64(-1)
	for rows.Next() {
		var (
			id       int64
			d        provider.Descriptor
			service  sql.NullString
			priority sql.NullInt64
		)
		if err := rows.Scan(&id, &d.ClassName, &d.Singleton, &d.Seq, &d.Claim, &service, &priority); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if id != lastID {
			descs = append(descs, d)
			lastID = id
		}
		if service.Valid {
			cur := &descs[len(descs)-1]
			cur.Services = append(cur.Services, service.String)
			cur.Priorities = append(cur.Priorities, int(priority.Int64))
		}
	}
	return descs, rows.Err()
}

// LoadAll returns every unit with its declared types and providers, ordered
// by path.
func (s *Store) LoadAll() ([]UnitProviders, error) {
	units, err := s.Units()
	if err != nil {
		return nil, err
	}
	out := make([]UnitProviders, 0, len(units))
	for _, u := range units {
		if u.Types, err = s.unitTypes(u.ID); err != nil {
			return nil, fmt.Errorf("load %s: %w", u.Path, err)
		}
		descs, err := s.ProvidersByUnit(u.ID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", u.Path, err)
		}
		out = append(out, UnitProviders{Unit: u, Providers: descs})
	}
	return out, nil
}
