package spindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jward/spindex/internal/aggregate"
	"github.com/jward/spindex/internal/index"
	"github.com/jward/spindex/internal/provider"
	"github.com/jward/spindex/internal/runtime"
	"github.com/jward/spindex/internal/store"
)

// DefaultRegistryHost is the class whose presence enables registry output.
const DefaultRegistryHost = "spi.ServiceRepository"

// DefaultDecodeCacheSize is the number of decoded units kept in memory.
const DefaultDecodeCacheSize = 4096

// Engine orchestrates the spindex pipeline: unit discovery, change detection,
// decoding via Risor scripts, the incremental provider index, and query
// access to the aggregated registry.
type Engine struct {
	store      *store.Store
	index      *index.Index
	decoder    *runtime.Decoder
	scriptsDir string
	scriptsFS  fs.FS
	logger     *log.Logger

	registryHost string
	annotation   string
	skipPatterns []string
	archives     bool
	cacheSize    int

	// cache maps unit kind + content hash to decoded types.
	cache *lru.Cache[string, []provider.Type]

	// useParallel enables the decode worker pool.
	useParallel bool

	// agg caches the aggregation of the live descriptors at aggGen.
	agg    *aggregate.Aggregation
	aggGen uint64

	// units mirrors the stored type names and deferred flag of every unit.
	units map[string]unitState
}

// unitState is what a pass needs to know about a unit it does not decode.
type unitState struct {
	types    []string
	deferred bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithParallel controls parallel decoding. When true (default), changed units
// are decoded by a worker pool, each worker with its own Runtime; commits to
// the index and SQLite stay serial.
func WithParallel(parallel bool) Option {
	return func(e *Engine) {
		e.useParallel = parallel
	}
}

// WithScriptsFS configures the Engine to load Risor scripts from the given
// filesystem instead of from the scriptsDir path on disk. This enables
// embedding scripts via go:embed.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) {
		e.scriptsFS = fsys
	}
}

// WithRegistryHost sets the fully-qualified class name of the registry host.
func WithRegistryHost(className string) Option {
	return func(e *Engine) {
		if className != "" {
			e.registryHost = className
		}
	}
}

// WithAnnotation sets the fully-qualified name of the provider annotation.
func WithAnnotation(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.annotation = name
		}
	}
}

// WithSkipPatterns replaces the simple-name patterns of classes that are
// never providers.
func WithSkipPatterns(patterns ...string) Option {
	return func(e *Engine) {
		e.skipPatterns = patterns
	}
}

// WithArchives controls whether .jar and .zip units are indexed.
func WithArchives(enabled bool) Option {
	return func(e *Engine) {
		e.archives = enabled
	}
}

// WithLogger sets the logger for the Engine and everything it drives.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithDecodeCacheSize sets how many decoded units are kept in memory.
func WithDecodeCacheSize(n int) Option {
	return func(e *Engine) {
		e.cacheSize = n
	}
}

// New creates an Engine backed by a SQLite database at dbPath and restores
// the provider index from it.
//
// Script loading priority:
//  1. If WithScriptsFS is set, use the provided fs.FS
//  2. Otherwise, use scriptsDir on disk
func New(dbPath string, scriptsDir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		scriptsDir:   scriptsDir,
		registryHost: DefaultRegistryHost,
		annotation:   runtime.DefaultAnnotation,
		skipPatterns: provider.DefaultSkipPatterns,
		archives:     true,
		cacheSize:    DefaultDecodeCacheSize,
		useParallel:  true,
		units:        make(map[string]unitState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "spindex", Level: log.WarnLevel})
	}

	extractor, err := provider.NewExtractor(e.skipPatterns...)
	if err != nil {
		return nil, fmt.Errorf("spindex: %w", err)
	}
	if e.cacheSize < 1 {
		e.cacheSize = 1
	}
	e.cache, err = lru.New[string, []provider.Type](e.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("spindex: decode cache: %w", err)
	}

	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("spindex: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("spindex: migrate: %w", err)
	}
	e.store = s

	workers := 1
	if e.useParallel {
		workers = 0
	}
	e.index = index.New(
		index.WithExtractor(extractor),
		index.WithLogger(e.logger),
		index.WithWorkers(workers),
	)
	e.decoder = e.newDecoder()

	if err := e.restore(); err != nil {
		s.Close()
		return nil, err
	}
	return e, nil
}

// newDecoder builds a Runtime and Decoder pair. Each goroutine that decodes
// needs its own pair.
func (e *Engine) newDecoder() *runtime.Decoder {
	rtOpts := []runtime.RuntimeOption{runtime.WithRuntimeLogger(e.logger)}
	if e.scriptsFS != nil {
		rtOpts = append(rtOpts, runtime.WithRuntimeFS(e.scriptsFS))
	}
	rt := runtime.NewRuntime(e.scriptsDir, rtOpts...)
	return runtime.NewDecoder(rt,
		runtime.WithAnnotation(e.annotation),
		runtime.WithArchives(e.archives),
	)
}

// restore reloads the persisted descriptors into the index so the next pass
// can be incremental. Stored host flags only count when they were recorded
// for the configured registry host.
func (e *Engine) restore() error {
	units, err := e.store.LoadAll()
	if err != nil {
		return fmt.Errorf("spindex: restore: %w", err)
	}
	storedHost, err := e.store.GetMetadata(store.MetaRegistryHost)
	if err != nil {
		return fmt.Errorf("spindex: restore: %w", err)
	}
	for _, u := range units {
		host := u.Unit.IsHost && storedHost == e.registryHost
		e.index.Restore(index.Origin{Path: u.Unit.Path}, u.Providers, host)
		e.units[u.Unit.Path] = unitState{types: u.Unit.Types, deferred: u.Unit.Deferred}
	}
	return nil
}

// Close releases the Engine's database resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying Store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// scriptsHash computes a SHA-256 hash of all Risor scripts. Walks the
// scriptsFS or scriptsDir to find all .risor files, sorts them by path, and
// hashes their concatenated contents.
func (e *Engine) scriptsHash() string {
	var paths []string

	if e.scriptsFS != nil {
		fs.WalkDir(e.scriptsFS, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(path, ".risor") {
				paths = append(paths, path)
			}
			return nil
		})
	} else if e.scriptsDir != "" {
		filepath.WalkDir(e.scriptsDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(path, ".risor") {
				rel, _ := filepath.Rel(e.scriptsDir, path)
				paths = append(paths, rel)
			}
			return nil
		})
	}

	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		src, err := e.decoder.Runtime().LoadScript(p)
		if err != nil {
			continue
		}
		h.Write([]byte(p))
		h.Write([]byte(src))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// configHash fingerprints the options that change what a unit decodes or
// extracts to.
func (e *Engine) configHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "annotation=%s\n", e.annotation)
	fmt.Fprintf(h, "host=%s\n", e.registryHost)
	fmt.Fprintf(h, "archives=%s\n", strconv.FormatBool(e.archives))
	for _, p := range e.skipPatterns {
		fmt.Fprintf(h, "skip=%s\n", p)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ScriptsChanged reports whether the scripts or decode options differ from
// what was used to build the current database. Returns true if the DB has
// no stored hash (first run). When true, the next pass is a full one.
func (e *Engine) ScriptsChanged() bool {
	stored, err := e.store.GetMetadata(store.MetaScriptsHash)
	if err != nil || stored == "" || stored != e.scriptsHash() {
		return true
	}
	cfg, err := e.store.GetMetadata(store.MetaConfigHash)
	return err != nil || cfg != e.configHash()
}

// Query returns a new QueryBuilder over the current index.
func (e *Engine) Query() *QueryBuilder {
	return &QueryBuilder{engine: e}
}

// aggregation returns the aggregation of the live descriptors, rebuilding it
// only when the index changed since the last call.
func (e *Engine) aggregation() *aggregate.Aggregation {
	if e.agg == nil || e.aggGen != e.index.Generation() {
		e.agg = aggregate.Aggregate(e.index.Descriptors())
		e.aggGen = e.index.Generation()
	}
	return e.agg
}

// hostName returns the registry host class name when a unit defines it, or
// "" when it is absent.
func (e *Engine) hostName() string {
	if _, ok := e.index.Host(); ok {
		return e.registryHost
	}
	return ""
}

// IndexUnits runs one pass over paths, which must enumerate every unit of the
// input set. Unsupported paths are ignored. Units whose content hash matches
// the stored one are reported unchanged; the rest are decoded and applied.
// Stored units missing from paths are removed. Service names that only an
// on-demand import can supply are resolved against the types declared across
// the whole input set.
//
// Malformed provider declarations do not abort the pass: the report is
// returned together with an error joining them.
func (e *Engine) IndexUnits(ctx context.Context, paths []string) (*PassReport, error) {
	return e.pass(ctx, paths, e.ScriptsChanged())
}

// Reindex runs a full pass over paths: all previous state is dropped and
// every unit is decoded again.
func (e *Engine) Reindex(ctx context.Context, paths []string) (*PassReport, error) {
	return e.pass(ctx, paths, true)
}

// unitInput is one enumerated unit and what the pass learned about it.
type unitInput struct {
	path     string
	kind     runtime.UnitKind
	hash     string
	content  []byte
	event    index.ChangeKind
	types    []provider.Type
	deferred bool
	redo     bool // unchanged, decoded again to resolve against new types
}

func (e *Engine) pass(ctx context.Context, paths []string, full bool) (*PassReport, error) {
	start := time.Now()
	report := &PassReport{Full: full}

	stored := map[string]string{}
	if !full {
		var err error
		if stored, err = e.store.UnitHashes(); err != nil {
			return nil, fmt.Errorf("spindex: %w", err)
		}
	}

	// ---- Enumerate and classify ----
	inputs, seen := e.classify(paths, stored, report)
	var pending []*unitInput
	for _, in := range inputs {
		if in.event != index.Unchanged {
			pending = append(pending, in)
		}
	}
	report.Units = len(inputs)
	report.Decoded = len(pending)
	report.Unchanged = len(inputs) - len(pending)

	// ---- Decode ----
	if err := e.decodeAll(ctx, pending); err != nil {
		return nil, fmt.Errorf("spindex: %w", err)
	}

	// ---- Resolve ----
	known := e.knownTypes(inputs)
	if redo := e.staleDeferred(inputs, known, full); len(redo) > 0 {
		if err := e.decodeAll(ctx, redo); err != nil {
			return nil, fmt.Errorf("spindex: %w", err)
		}
		report.Decoded += len(redo)
		report.Unchanged -= len(redo)
	}
	for _, in := range inputs {
		if in.event != index.Unchanged {
			in.types, in.deferred = resolveTypes(in.types, known)
		}
	}

	// ---- Apply ----
	batch := index.Batch{Full: full, Events: make([]index.Event, 0, len(inputs))}
	for _, in := range inputs {
		ev := index.Event{Origin: index.Origin{Path: in.path}, Kind: in.event}
		if in.event != index.Unchanged {
			ev.Types = in.types
			ev.Host = e.definesHost(in.types)
		}
		batch.Events = append(batch.Events, ev)
	}
	ixReport, applyErr := e.index.Apply(batch)
	if ixReport == nil {
		return nil, fmt.Errorf("spindex: %w", applyErr)
	}

	// ---- Persist ----
	agg := e.aggregation()
	registryHash := store.ComputeRegistryHash(agg, e.hostName())
	prevHash, err := e.store.GetMetadata(store.MetaRegistryHash)
	if err != nil {
		return nil, fmt.Errorf("spindex: %w", err)
	}
	sb := e.persistBatch(inputs, seen, stored, batch, ixReport, full)
	sb.SetMetadata(store.MetaRegistryHash, registryHash)
	sb.SetMetadata(store.MetaRegistryHost, e.hostName())
	if err := e.store.Commit(sb); err != nil {
		return nil, fmt.Errorf("spindex: persist: %w", err)
	}
	e.mirrorUnits(inputs, seen, ixReport, full)

	report.fill(ixReport, agg, e.hostName() != "")
	report.RegistryChanged = prevHash != registryHash
	report.Duration = time.Since(start)

	e.logger.Debug("pass complete",
		"units", report.Units,
		"decoded", report.Decoded,
		"providers", report.Providers,
		"services", report.Services,
		"full", full,
		"duration", report.Duration,
	)

	if applyErr != nil {
		return report, fmt.Errorf("spindex: %w", applyErr)
	}
	return report, nil
}

// classify reads every supported path once, in path order, and decides its
// change kind. seen holds every path that stays in the input set, including
// known units that could not be read this time.
func (e *Engine) classify(paths []string, stored map[string]string, report *PassReport) ([]*unitInput, map[string]bool) {
	sorted := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] || !e.decoder.Supports(p) {
			continue
		}
		seen[p] = true
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	inputs := make([]*unitInput, 0, len(sorted))
	for _, p := range sorted {
		kind, _ := runtime.UnitKindForFile(p, e.archives)
		content, err := os.ReadFile(p)
		if err != nil {
			report.ReadErrors = append(report.ReadErrors, fmt.Errorf("read %s: %w", p, err))
			e.logger.Warn("cannot read unit", "unit", p, "err", err)
			if _, known := stored[p]; known {
				// Keep the last good state until the unit can be read again.
				inputs = append(inputs, &unitInput{path: p, kind: kind, hash: stored[p], event: index.Unchanged})
			} else {
				delete(seen, p)
			}
			continue
		}

		in := &unitInput{path: p, kind: kind, hash: store.ContentHash(content), content: content}
		prev, known := stored[p]
		switch {
		case !known:
			in.event = index.Added
		case prev != in.hash:
			in.event = index.Changed
		default:
			in.event = index.Unchanged
			in.content = nil
		}
		inputs = append(inputs, in)
	}
	return inputs, seen
}

// knownTypes collects the binary name of every type declared across the
// input set: freshly decoded units contribute what they decoded, the rest
// what was stored for them.
func (e *Engine) knownTypes(inputs []*unitInput) map[string]bool {
	known := make(map[string]bool)
	for _, in := range inputs {
		if in.event != index.Unchanged {
			for _, t := range in.types {
				known[t.ClassName] = true
			}
			continue
		}
		for _, name := range e.units[in.path].types {
			known[name] = true
		}
	}
	return known
}

// staleDeferred returns the unchanged deferred units whose services must be
// resolved again because the set of known types moved since the last pass.
// They are read back and marked Changed.
func (e *Engine) staleDeferred(inputs []*unitInput, known map[string]bool, full bool) []*unitInput {
	if full {
		return nil
	}
	prev := make(map[string]bool, len(known))
	for _, st := range e.units {
		for _, name := range st.types {
			prev[name] = true
		}
	}
	if maps.Equal(prev, known) {
		return nil
	}

	var redo []*unitInput
	for _, in := range inputs {
		if in.event != index.Unchanged || !e.units[in.path].deferred {
			continue
		}
		content, err := os.ReadFile(in.path)
		if err != nil || store.ContentHash(content) != in.hash {
			continue
		}
		in.content = content
		in.event = index.Changed
		in.redo = true
		redo = append(redo, in)
	}
	if len(redo) > 0 {
		e.logger.Debug("resolving deferred units again", "units", len(redo))
	}
	return redo
}

// resolveTypes settles service names that depend on on-demand imports
// against known. The input slice may be shared with the decode cache and is
// never modified. deferred reports whether any declaration needed known.
func resolveTypes(types []provider.Type, known map[string]bool) (out []provider.Type, deferred bool) {
	isKnown := func(name string) bool { return known[name] }
	for i, t := range types {
		if !t.Deferred() {
			continue
		}
		if !deferred {
			out = slices.Clone(types)
			deferred = true
		}
		out[i].Declaration = t.Declaration.Resolve(isKnown)
	}
	if !deferred {
		return types, false
	}
	return out, true
}

// mirrorUnits brings e.units in line with what the pass committed.
func (e *Engine) mirrorUnits(inputs []*unitInput, seen map[string]bool, r *index.Report, full bool) {
	if full {
		e.units = make(map[string]unitState, len(inputs))
	}
	failed := make(map[string]bool, len(r.Failed))
	for _, o := range r.Failed {
		failed[o.Path] = true
	}
	for _, in := range inputs {
		if in.event == index.Unchanged || (failed[in.path] && !in.redo) {
			continue
		}
		e.units[in.path] = unitState{types: typeNames(in.types), deferred: in.deferred}
	}
	for p := range e.units {
		if !seen[p] {
			delete(e.units, p)
		}
	}
}

func typeNames(types []provider.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.ClassName
	}
	return names
}

// definesHost reports whether any decoded type is the registry host.
func (e *Engine) definesHost(types []provider.Type) bool {
	for _, t := range types {
		if t.ClassName == e.registryHost {
			return true
		}
	}
	return false
}

// persistBatch mirrors the index state after Apply into a store batch: rows
// for recorded or emptied units and deletions for units that left the input
// set. A unit's rows hold every declaration it makes, shadowed ones included,
// so units that lost a class to a newer duplicate need no rewrite. Units that
// failed extraction keep their stale hash, so the next pass retries them.
func (e *Engine) persistBatch(inputs []*unitInput, seen map[string]bool, stored map[string]string, b index.Batch, r *index.Report, full bool) *store.Batch {
	sb := store.NewBatch()
	sb.Reset = full

	failed := make(map[index.Origin]bool, len(r.Failed))
	for _, o := range r.Failed {
		failed[o] = true
	}

	tracker := e.index.Tracker()
	now := time.Now()
	for i, in := range inputs {
		ev := b.Events[i]
		if ev.Kind == index.Unchanged {
			continue
		}
		hash := in.hash
		if failed[ev.Origin] {
			if !in.redo {
				continue
			}
			// The content did not change, so only a cleared hash brings the
			// unit back next pass.
			hash = ""
		}
		sb.PutUnit(store.Unit{
			Path:        in.path,
			Hash:        hash,
			IsHost:      ev.Host,
			Deferred:    in.deferred,
			LastIndexed: now,
			Types:       typeNames(in.types),
		}, tracker.Declared(ev.Origin))
	}

	if !full {
		var gone []string
		for p := range stored {
			if !seen[p] {
				gone = append(gone, p)
			}
		}
		sort.Strings(gone)
		for _, p := range gone {
			sb.DeleteUnit(p)
		}
	}

	sb.SetMetadata(store.MetaScriptsHash, e.scriptsHash())
	sb.SetMetadata(store.MetaConfigHash, e.configHash())
	return sb
}

// skipDirs are directory names excluded from indexing.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"build":        true,
	"target":       true,
	"out":          true,
}

// IndexDirectory discovers every unit under root and runs IndexUnits over
// them. If root is inside a git repository, uses git ls-files to respect
// .gitignore. Falls back to a filesystem walk (skipping hidden and build
// output directories) if git is unavailable.
func (e *Engine) IndexDirectory(ctx context.Context, root string) (*PassReport, error) {
	paths, err := e.ListUnits(root)
	if err != nil {
		return nil, err
	}
	return e.IndexUnits(ctx, paths)
}

// ListUnits returns the supported units under root.
func (e *Engine) ListUnits(root string) ([]string, error) {
	paths, err := e.gitListFiles(root)
	if err != nil {
		// Not a git repo or git not available: fall back to walk.
		return e.walkListFiles(root)
	}
	return paths, nil
}

// gitListFiles uses git ls-files to discover tracked and untracked (but not
// ignored) files under root, filtered to supported units.
func (e *Engine) gitListFiles(root string) ([]string, error) {
	// --cached: tracked files, --others: untracked files,
	// --exclude-standard: respect .gitignore, .git/info/exclude, global excludes.
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		absPath := filepath.Join(root, line)
		if e.decoder.Supports(absPath) {
			paths = append(paths, absPath)
		}
	}
	return paths, nil
}

// walkListFiles discovers units by walking the filesystem.
func (e *Engine) walkListFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if e.decoder.Supports(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}

// IsMalformed reports whether err carries a malformed provider declaration.
func IsMalformed(err error) bool {
	return errors.Is(err, provider.ErrMalformedDeclaration)
}
