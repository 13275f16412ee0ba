package spindex

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findModuleRoot walks up from cwd to find go.mod, returning the repo root.
func findModuleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find module root")
		}
		dir = parent
	}
}

// newIntegrationEngine creates an Engine backed by a temp DB and the real scripts dir.
func newIntegrationEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return newIntegrationEngineAt(t, filepath.Join(t.TempDir(), "integration.db"), opts...)
}

func newIntegrationEngineAt(t *testing.T, dbPath string, opts ...Option) *Engine {
	t.Helper()
	scriptsDir := filepath.Join(findModuleRoot(t), "scripts")
	base := []Option{WithLogger(log.New(io.Discard))}
	e, err := New(dbPath, scriptsDir, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// writeProject lays out a small Java project: the registry host, two
// services and three providers, one of them a singleton serving both.
func writeProject(t *testing.T, root string) {
	t.Helper()
	writeJava(t, root, "spi/ServiceRepository.java", hostSource)
	writeJava(t, root, "com/acme/api/Store.java", `package com.acme.api;

public interface Store {
    interface Listener {}
}
`)
	writeJava(t, root, "com/acme/mem/MemoryStore.java", `package com.acme.mem;

import com.acme.api.Store;
import spi.ServiceProvider;

@ServiceProvider(services = {Store.class, Store.Listener.class}, priorities = {1, 7}, singleton = true)
public class MemoryStore implements Store, Store.Listener {}
`)
	writeJava(t, root, "com/acme/disk/DiskStore.java", `package com.acme.disk;

import com.acme.api.Store;
import spi.ServiceProvider;

@ServiceProvider(services = Store.class, priorities = 9)
public class DiskStore implements Store {}
`)
	writeJava(t, root, "com/acme/disk/AuditListener.java", `package com.acme.disk;

import com.acme.api.Store;

@spi.ServiceProvider(services = Store.Listener.class, priorities = 7)
public class AuditListener implements Store.Listener {}
`)
}

// TestIntegration_FullPipeline tests the complete pipeline:
// source tree → IndexDirectory → aggregation → registry.
func TestIntegration_FullPipeline(t *testing.T) {
	e := newIntegrationEngine(t)
	root := t.TempDir()
	writeProject(t, root)

	report, err := e.IndexDirectory(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, report.Full)
	assert.Equal(t, 5, report.Units)
	assert.Equal(t, 3, report.Providers)
	assert.Equal(t, 2, report.Services)
	assert.Equal(t, 1, report.Singletons)
	assert.True(t, report.HostPresent)
	assert.True(t, report.RegistryChanged)

	q := e.Query()
	assert.Equal(t, []string{"com.acme.api.Store", "com.acme.api.Store$Listener"}, q.Services())
	assert.Equal(t, []string{"com.acme.disk.DiskStore", "com.acme.mem.MemoryStore"},
		providerNames(q.Providers("com.acme.api.Store")))
	// Equal priorities keep discovery order, and units are discovered in path order.
	assert.Equal(t, []string{"com.acme.disk.AuditListener", "com.acme.mem.MemoryStore"},
		providerNames(q.Providers("com.acme.api.Store$Listener")))

	reg, ok := q.Registry()
	require.True(t, ok)
	assert.Equal(t, DefaultRegistryHost, reg.Host)
	require.Len(t, reg.Singletons, 1)
	assert.Equal(t, "com.acme.mem.MemoryStore", reg.Singletons[0].ClassName)

	// The singleton is one shared slot referenced from both services.
	for _, svc := range []string{"com.acme.api.Store", "com.acme.api.Store$Listener"} {
		var found bool
		for _, ref := range reg.Lookup(svc) {
			if ref.ClassName == "com.acme.mem.MemoryStore" {
				found = true
				assert.Equal(t, "singleton", string(ref.Kind))
				require.NotNil(t, ref.Slot)
				assert.Equal(t, 0, *ref.Slot)
			}
		}
		assert.True(t, found, "MemoryStore bound to %s", svc)
	}

	host, ok := q.Host()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "spi", "ServiceRepository.java"), host)
}

// TestIntegration_IncrementalReindex verifies that a second pass decodes only
// the changed unit and picks up its new declaration.
func TestIntegration_IncrementalReindex(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()
	root := t.TempDir()
	writeProject(t, root)

	_, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)

	writeJava(t, root, "com/acme/disk/DiskStore.java", `package com.acme.disk;

import com.acme.api.Store;
import spi.ServiceProvider;

@ServiceProvider(services = Store.class, priorities = -1)
public class DiskStore implements Store {}
`)
	report, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)
	assert.False(t, report.Full)
	assert.Equal(t, 1, report.Decoded)
	assert.Equal(t, 4, report.Unchanged)
	assert.True(t, report.RegistryChanged)

	assert.Equal(t, []string{"com.acme.mem.MemoryStore", "com.acme.disk.DiskStore"},
		providerNames(e.Query().Providers("com.acme.api.Store")))
}

// TestIntegration_ChangeDetection verifies that unchanged units are skipped
// and leave the registry untouched.
func TestIntegration_ChangeDetection(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()
	root := t.TempDir()
	writeProject(t, root)

	_, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)
	u1, err := e.Store().UnitByPath(filepath.Join(root, "com/acme/disk/DiskStore.java"))
	require.NoError(t, err)
	require.NotNil(t, u1)

	report, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Decoded)
	assert.Equal(t, 5, report.Unchanged)
	assert.False(t, report.RegistryChanged)

	// Same unit ID means it was not re-inserted.
	u2, err := e.Store().UnitByPath(filepath.Join(root, "com/acme/disk/DiskStore.java"))
	require.NoError(t, err)
	require.NotNil(t, u2)
	assert.Equal(t, u1.ID, u2.ID)
}

// TestIntegration_RemovesStaleUnits verifies that deleted files drop their
// providers, and that deleting the host stops registry generation.
func TestIntegration_RemovesStaleUnits(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()
	root := t.TempDir()
	writeProject(t, root)

	_, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)

	disk := filepath.Join(root, "com/acme/disk/DiskStore.java")
	host := filepath.Join(root, "spi/ServiceRepository.java")
	require.NoError(t, os.Remove(disk))
	require.NoError(t, os.Remove(host))

	report, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)
	// Only units that owned providers are tracked; the host just stops being present.
	assert.Equal(t, []string{disk}, report.Reconciled)
	assert.False(t, report.HostPresent)

	assert.Equal(t, []string{"com.acme.mem.MemoryStore"},
		providerNames(e.Query().Providers("com.acme.api.Store")))
	_, ok := e.Query().Registry()
	assert.False(t, ok)

	u, err := e.Store().UnitByPath(disk)
	require.NoError(t, err)
	assert.Nil(t, u)
}

// TestIntegration_PersistsAcrossRestarts verifies that a reopened engine
// serves the same registry without decoding anything.
func TestIntegration_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	root := t.TempDir()
	writeProject(t, root)

	first := newIntegrationEngineAt(t, dbPath)
	_, err := first.IndexDirectory(ctx, root)
	require.NoError(t, err)
	want, ok := first.Query().Registry()
	require.True(t, ok)
	require.NoError(t, first.Close())

	second := newIntegrationEngineAt(t, dbPath)
	got, ok := second.Query().Registry()
	require.True(t, ok)
	assert.Equal(t, want, got)

	report, err := second.IndexDirectory(ctx, root)
	require.NoError(t, err)
	assert.False(t, report.Full)
	assert.Equal(t, 0, report.Decoded)
	assert.False(t, report.RegistryChanged)
}

// TestIntegration_ArchiveAlongsideSources verifies that archives found by the
// directory walk contribute providers next to plain sources.
func TestIntegration_ArchiveAlongsideSources(t *testing.T) {
	e := newIntegrationEngine(t)
	root := t.TempDir()
	writeProject(t, root)
	jar := buildTestJar(t, filepath.Join(root, "libs", "plugins.jar"), map[string]string{
		"plug/CloudStore.java": providerSource("plug", "CloudStore", "services = com.acme.api.Store.class, priorities = 20"),
	})

	report, err := e.IndexDirectory(context.Background(), root)
	require.NoError(t, err)
	assert.Contains(t, report.Recorded, jar)
	assert.Equal(t, []string{"plug.CloudStore", "com.acme.disk.DiskStore", "com.acme.mem.MemoryStore"},
		providerNames(e.Query().Providers("com.acme.api.Store")))
}

// TestIntegration_MalformedUnitSurfacesError verifies that a malformed
// declaration fails the pass for that unit only.
func TestIntegration_MalformedUnitSurfacesError(t *testing.T) {
	e := newIntegrationEngine(t)
	root := t.TempDir()
	writeProject(t, root)
	bad := writeJava(t, root, "com/acme/bad/Broken.java", providerSource("com.acme.bad", "Broken", "services = {}"))

	report, err := e.IndexDirectory(context.Background(), root)
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	require.NotNil(t, report)
	assert.Equal(t, []string{bad}, report.Failed)
	assert.Len(t, e.Query().Providers("com.acme.api.Store"), 2)
}
