package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/spindex/internal/aggregate"
	"github.com/jward/spindex/internal/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

// putTestUnit commits a unit with descs through a Batch and returns it as
// stored, ID set.
func putTestUnit(t *testing.T, s *Store, path string, descs ...provider.Descriptor) *Unit {
	t.Helper()
	b := NewBatch()
	b.PutUnit(Unit{Path: path, Hash: "abc123", LastIndexed: time.Now().Truncate(time.Second)}, descs)
	require.NoError(t, s.Commit(b))
	u, err := s.UnitByPath(path)
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Positive(t, u.ID)
	return u
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func testDescriptor(class string, seq uint64, singleton bool, pairs ...any) provider.Descriptor {
	d := provider.Descriptor{ClassName: class, Seq: seq, Singleton: singleton}
	for i := 0; i < len(pairs); i += 2 {
		d.Services = append(d.Services, pairs[i].(string))
		d.Priorities = append(d.Priorities, pairs[i+1].(int))
	}
	return d
}

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestMigrate_AllTablesExist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, table := range []string{"units", "unit_types", "providers", "provider_services", "metadata"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.NoError(t, s.Migrate())
}

func TestMigrate_OldSchemaIsRebuilt(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "old.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// A cache written before units carried a deferred flag.
	_, err = s.db.Exec(`
		CREATE TABLE units (id INTEGER PRIMARY KEY, path TEXT NOT NULL UNIQUE, hash TEXT NOT NULL,
		  is_host BOOLEAN DEFAULT FALSE, last_indexed TIMESTAMP);
		CREATE TABLE metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL);
		INSERT INTO units (path, hash) VALUES ('/old.java', 'h');
		INSERT INTO metadata (key, value) VALUES ('scripts_hash', 'stale');`)
	require.NoError(t, err)

	require.NoError(t, s.Migrate())
	units, err := s.Units()
	require.NoError(t, err)
	assert.Empty(t, units)
	got, err := s.GetMetadata(MetaScriptsHash)
	require.NoError(t, err)
	assert.Empty(t, got, "a rebuilt cache must force a full pass")

	putTestUnit(t, s, "/new.java")
	require.NoError(t, s.Migrate())
	assert.Equal(t, 1, countRows(t, s, "units"), "current schema survives a second migrate")
}

func TestMigrate_WALMode(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	var mode string
	err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

// =============================================================================
// Units
// =============================================================================

func TestUnit_PutAndRetrieve(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	b := NewBatch()
	b.PutUnit(Unit{
		Path:        "/src/com/a/Impl.java",
		Hash:        "sha256abc",
		IsHost:      true,
		Deferred:    true,
		LastIndexed: now,
		Types:       []string{"com.a.Impl", "com.a.Impl$Inner"},
	}, nil)
	require.NoError(t, s.Commit(b))

	got, err := s.UnitByPath("/src/com/a/Impl.java")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Positive(t, got.ID)
	assert.Equal(t, "sha256abc", got.Hash)
	assert.True(t, got.IsHost)
	assert.True(t, got.Deferred)
	assert.True(t, now.Equal(got.LastIndexed))
	assert.Equal(t, []string{"com.a.Impl", "com.a.Impl$Inner"}, got.Types)
}

func TestUnit_ByPathNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	got, err := s.UnitByPath("/nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnits_OrderedByPath(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putTestUnit(t, s, "/b.java")
	putTestUnit(t, s, "/a.java")
	putTestUnit(t, s, "/libs/c.jar")

	units, err := s.Units()
	require.NoError(t, err)
	var paths []string
	for _, u := range units {
		paths = append(paths, u.Path)
	}
	assert.Equal(t, []string{"/a.java", "/b.java", "/libs/c.jar"}, paths)

	hashes, err := s.UnitHashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
	assert.Equal(t, "abc123", hashes["/a.java"])
}

// =============================================================================
// Providers
// =============================================================================

func TestProviders_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	shadowed := testDescriptor("com.a.Second", 9, false, "com.s.Api", 1)
	shadowed.Claim = 4
	in := []provider.Descriptor{
		shadowed,
		testDescriptor("com.a.First", 3, true, "com.s.Api", 5, "com.s.Other", -2),
	}
	u := putTestUnit(t, s, "/libs/core.jar", in...)

	got, err := s.ProvidersByUnit(u.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by sequence number.
	assert.Equal(t, in[1], got[0])
	assert.Equal(t, in[0], got[1])
	assert.Equal(t, uint64(4), got[1].Claim)
}

func TestProviders_ReplaceIsWholesale(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putTestUnit(t, s, "/A.java", testDescriptor("P1", 1, false, "S", 0))
	u := putTestUnit(t, s, "/A.java", testDescriptor("P3", 2, false, "S", 0))

	got, err := s.ProvidersByUnit(u.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P3", got[0].ClassName)
	assert.Equal(t, 1, countRows(t, s, "provider_services"), "old service rows must be removed")
}

func TestDeleteUnit_RemovesOwnedRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putTestUnit(t, s, "/keep.java", testDescriptor("K", 1, false, "S", 0))

	b := NewBatch()
	b.PutUnit(Unit{Path: "/drop.java", Hash: "h", Types: []string{"D"}},
		[]provider.Descriptor{testDescriptor("D", 2, false, "S", 0, "T", 0)})
	require.NoError(t, s.Commit(b))

	b = NewBatch()
	b.DeleteUnit("/drop.java")
	require.NoError(t, s.Commit(b))

	got, err := s.UnitByPath("/drop.java")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, countRows(t, s, "providers"))
	assert.Equal(t, 1, countRows(t, s, "provider_services"))
	assert.Zero(t, countRows(t, s, "unit_types"))
}

func TestLoadAll(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	b := NewBatch()
	b.PutUnit(Unit{Path: "/a.java", Hash: "h", Types: []string{"A", "A$Helper"}},
		[]provider.Descriptor{testDescriptor("A", 1, true, "S", 4)})
	b.PutUnit(Unit{Path: "/empty.java", Hash: "h", Deferred: true}, nil)
	require.NoError(t, s.Commit(b))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/a.java", all[0].Unit.Path)
	assert.Equal(t, []string{"A", "A$Helper"}, all[0].Unit.Types)
	require.Len(t, all[0].Providers, 1)
	assert.True(t, all[0].Providers[0].Singleton)
	assert.Equal(t, "/empty.java", all[1].Unit.Path)
	assert.True(t, all[1].Unit.Deferred)
	assert.Empty(t, all[1].Unit.Types)
	assert.Empty(t, all[1].Providers)
}

// =============================================================================
// Metadata
// =============================================================================

func TestMetadata_GetSet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetMetadata(MetaScriptsHash)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, v := range []string{"one", "two"} {
		b := NewBatch()
		b.SetMetadata(MetaScriptsHash, v)
		require.NoError(t, s.Commit(b))
	}
	got, err = s.GetMetadata(MetaScriptsHash)
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

// =============================================================================
// Hashing
// =============================================================================

func TestComputeRegistryHash(t *testing.T) {
	t.Parallel()
	base := []provider.Descriptor{
		testDescriptor("P1", 1, false, "S", 5),
		testDescriptor("P2", 2, true, "S", 10),
	}
	h := ComputeRegistryHash(aggregate.Aggregate(base), "Host")
	assert.Len(t, h, 64)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, h, ComputeRegistryHash(aggregate.Aggregate(base), "Host"))
	})

	t.Run("input order does not matter", func(t *testing.T) {
		reversed := []provider.Descriptor{base[1], base[0]}
		assert.Equal(t, h, ComputeRegistryHash(aggregate.Aggregate(reversed), "Host"))
	})

	t.Run("host matters", func(t *testing.T) {
		assert.NotEqual(t, h, ComputeRegistryHash(aggregate.Aggregate(base), ""))
	})

	t.Run("priority matters", func(t *testing.T) {
		changed := []provider.Descriptor{base[0], testDescriptor("P2", 2, true, "S", 11)}
		assert.NotEqual(t, h, ComputeRegistryHash(aggregate.Aggregate(changed), "Host"))
	})

	t.Run("singleton flag matters", func(t *testing.T) {
		changed := []provider.Descriptor{base[0], testDescriptor("P2", 2, false, "S", 10)}
		assert.NotEqual(t, h, ComputeRegistryHash(aggregate.Aggregate(changed), "Host"))
	})
}

func TestContentHash(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ContentHash([]byte("class A {}")), ContentHash([]byte("class A {}")))
	assert.NotEqual(t, ContentHash([]byte("class A {}")), ContentHash([]byte("class B {}")))
}
