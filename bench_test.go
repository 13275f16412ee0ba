package spindex

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
)

// findModuleRootB is the benchmark equivalent of findModuleRoot.
func findModuleRootB(b *testing.B) string {
	b.Helper()
	dir, err := os.Getwd()
	if err != nil {
		b.Fatal(err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			b.Fatal("could not find module root")
		}
		dir = parent
	}
}

// benchJavaSource is a realistic Java unit with a nested provider, imports,
// and enough method bodies to give the parser real work.
const benchJavaSource = `package bench.impl%[1]d;

import java.util.ArrayList;
import java.util.List;
import bench.api.Codec;
import bench.api.Sink;
import spi.ServiceProvider;

/** Codec%[1]d encodes records for sink number %[1]d. */
@ServiceProvider(services = {Codec.class, Sink.class}, priorities = {%[1]d, -%[1]d}, singleton = %[2]t)
public class Codec%[1]d implements Codec, Sink {
    private final List<String> buffer = new ArrayList<>();
    private int flushed;

    @Override
    public byte[] encode(String value) {
        if (value == null || value.isEmpty()) {
            return new byte[0];
        }
        StringBuilder sb = new StringBuilder(value.length() * 2);
        for (char c : value.toCharArray()) {
            sb.append(Character.toUpperCase(c));
        }
        return sb.toString().getBytes();
    }

    @Override
    public void write(String record) {
        buffer.add(record);
        if (buffer.size() > 64) {
            flush();
        }
    }

    public void flush() {
        flushed += buffer.size();
        buffer.clear();
    }

    @ServiceProvider(services = Sink.class, priorities = 0x%[1]x)
    public static final class Null implements Sink {
        @Override
        public void write(String record) {}
    }
}
`

const benchUnits = 50

// writeBenchProject writes benchUnits provider units plus the registry host
// under dir and returns their paths.
func writeBenchProject(b *testing.B, dir string) []string {
	b.Helper()
	paths := []string{filepath.Join(dir, "spi", "ServiceRepository.java")}
	if err := os.MkdirAll(filepath.Dir(paths[0]), 0o755); err != nil {
		b.Fatal(err)
	}
	if err := os.WriteFile(paths[0], []byte(hostSource), 0o644); err != nil {
		b.Fatal(err)
	}
	for i := range benchUnits {
		path := filepath.Join(dir, fmt.Sprintf("impl%d", i), fmt.Sprintf("Codec%d.java", i))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			b.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(fmt.Sprintf(benchJavaSource, i, i%5 == 0)), 0o644); err != nil {
			b.Fatal(err)
		}
		paths = append(paths, path)
	}
	return paths
}

// setupBenchEngine creates an Engine and an indexed project, returning the
// engine and unit paths. Caller must close the engine.
func setupBenchEngine(b *testing.B, opts ...Option) (*Engine, []string) {
	b.Helper()
	dir := b.TempDir()
	scriptsDir := filepath.Join(findModuleRootB(b), "scripts")

	base := []Option{WithLogger(log.New(io.Discard))}
	e, err := New(filepath.Join(dir, "bench.db"), scriptsDir, append(base, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	paths := writeBenchProject(b, dir)
	if _, err := e.IndexUnits(context.Background(), paths); err != nil {
		e.Close()
		b.Fatal(err)
	}
	return e, paths
}

// BenchmarkIndexUnits_Java measures a full pass over a fresh project: decode,
// index, aggregate and persist.
func BenchmarkIndexUnits_Java(b *testing.B) {
	for _, parallel := range []bool{false, true} {
		b.Run(fmt.Sprintf("parallel=%t", parallel), func(b *testing.B) {
			ctx := context.Background()
			scriptsDir := filepath.Join(findModuleRootB(b), "scripts")

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				dir := b.TempDir()
				e, err := New(filepath.Join(dir, "bench.db"), scriptsDir,
					WithLogger(log.New(io.Discard)), WithParallel(parallel), WithDecodeCacheSize(0))
				if err != nil {
					b.Fatal(err)
				}
				paths := writeBenchProject(b, dir)
				b.StartTimer()

				if _, err := e.IndexUnits(ctx, paths); err != nil {
					e.Close()
					b.Fatal(err)
				}

				b.StopTimer()
				e.Close()
				b.StartTimer()
			}
		})
	}
}

// BenchmarkIndexUnits_Incremental measures a pass where one unit changed and
// the rest are skipped by hash.
func BenchmarkIndexUnits_Incremental(b *testing.B) {
	e, paths := setupBenchEngine(b)
	defer e.Close()
	ctx := context.Background()
	changed := paths[1]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		// Vary the content so neither the store nor the decode cache can skip it.
		src := fmt.Sprintf(benchJavaSource, 0, false) + fmt.Sprintf("// rev %d\n", i)
		if err := os.WriteFile(changed, []byte(src), 0o644); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		if _, err := e.IndexUnits(ctx, paths); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkQueryRegistry measures materializing the registry from the live
// index. This benchmarks the query path only.
func BenchmarkQueryRegistry(b *testing.B) {
	e, _ := setupBenchEngine(b)
	defer e.Close()
	q := e.Query()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := q.Registry(); !ok {
			b.Fatal("expected registry host")
		}
	}
}

// BenchmarkQueryProviders measures a single service lookup.
func BenchmarkQueryProviders(b *testing.B) {
	e, _ := setupBenchEngine(b)
	defer e.Close()
	q := e.Query()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(q.Providers("bench.api.Sink")) == 0 {
			b.Fatal("expected providers")
		}
	}
}
