// Package index maintains the live set of provider descriptors across
// repeated build passes.
//
// A pass is described by a Batch of per-unit change events. Extraction of the
// events' types may run on a worker pool, but every write into the Tracker is
// committed serially in batch order. After each batch, origins that no event
// mentioned are forgotten, which covers units that vanished without an
// explicit removal.
package index

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/jward/spindex/internal/provider"
)

// ChangeKind says how a unit differs from the previous pass.
type ChangeKind uint8

const (
	Unchanged ChangeKind = iota
	Added
	Changed
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("ChangeKind(%d)", uint8(k))
}

// Event is one unit-level change. Types carries the unit's decoded types for
// Added and Changed events; an empty slice means the unit declares nothing
// (or could not be decoded). Host marks the unit that defines the registry
// host type.
type Event struct {
	Origin Origin
	Kind   ChangeKind
	Types  []provider.Type
	Host   bool
}

// Batch is one pass. Events must enumerate every unit of the current input
// set, unchanged ones included; tracked origins absent from the batch are
// treated as removed. Full clears all state before the events are applied, so
// a full batch should report every unit as Added.
type Batch struct {
	Full   bool
	Events []Event
}

// UnitError wraps a per-unit extraction failure.
type UnitError struct {
	Origin Origin
	Err    error
}

func (e *UnitError) Error() string { return fmt.Sprintf("%s: %v", e.Origin, e.Err) }

func (e *UnitError) Unwrap() error { return e.Err }

// Report summarizes what a batch did to the index.
type Report struct {
	Recorded   []Origin
	Forgotten  []Origin
	Reconciled []Origin
	Failed     []Origin
	Evictions  []Eviction
	Errors     []error
}

// Changed reports whether the batch added, replaced, or dropped any origin.
func (r *Report) Changed() bool {
	return len(r.Recorded)+len(r.Forgotten)+len(r.Reconciled) > 0
}

// Index is the incremental provider index. It is not safe for concurrent use.
type Index struct {
	tracker   *Tracker
	extractor *provider.Extractor
	logger    *log.Logger
	workers   int

	host       *Origin
	generation uint64
}

// Option configures an Index.
type Option func(*Index)

// WithExtractor replaces the default Extractor.
func WithExtractor(x *provider.Extractor) Option {
	return func(ix *Index) {
		ix.extractor = x
	}
}

// WithLogger sets the logger used for duplicate-provider warnings and
// per-unit failures.
func WithLogger(l *log.Logger) Option {
	return func(ix *Index) {
		ix.logger = l
	}
}

// WithWorkers sets the number of goroutines used for extraction. Values below
// 2 extract serially; 0 uses runtime.NumCPU.
func WithWorkers(n int) Option {
	return func(ix *Index) {
		if n == 0 {
			n = runtime.NumCPU()
		}
		ix.workers = n
	}
}

// New creates an empty Index.
func New(opts ...Option) *Index {
	ix := &Index{
		tracker:   NewTracker(),
		extractor: provider.MustExtractor(),
		workers:   1,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "spindex", Level: log.WarnLevel})
	}
	return ix
}

// Tracker exposes the underlying origin tracker for read access.
func (ix *Index) Tracker() *Tracker { return ix.tracker }

// Descriptors returns the live descriptors in discovery order.
func (ix *Index) Descriptors() []provider.Descriptor { return ix.tracker.Descriptors() }

// Host returns the origin defining the registry host, if any unit does.
func (ix *Index) Host() (Origin, bool) {
	if ix.host == nil {
		return Origin{}, false
	}
	return *ix.host, true
}

// Generation increases whenever the live descriptor set or host changes.
func (ix *Index) Generation() uint64 { return ix.generation }

// Restore installs persisted state for one origin without extraction. descs
// holds everything o declared, shadowed declarations included. host marks o
// as the registry host.
func (ix *Index) Restore(o Origin, descs []provider.Descriptor, host bool) {
	if len(descs) > 0 {
		ix.tracker.Restore(o, descs)
	}
	if host {
		ix.setHost(o)
	}
	ix.generation++
}

type extraction struct {
	descs []provider.Descriptor
	err   error
}

// Apply processes one batch. Per-unit MalformedDeclaration failures leave that
// unit's previous state untouched and are returned joined; all other units are
// still applied. The report is returned even when err is non-nil.
func (ix *Index) Apply(b Batch) (*Report, error) {
	report := &Report{}
	if b.Full {
		ix.tracker.Clear()
		ix.host = nil
		ix.generation++
	}

	results := ix.extractAll(b.Events)
	mentioned := make(map[Origin]bool, len(b.Events))

	for i, ev := range b.Events {
		mentioned[ev.Origin] = true

		switch ev.Kind {
		case Unchanged:
			continue
		case Removed:
			if ix.forget(ev.Origin) {
				report.Forgotten = append(report.Forgotten, ev.Origin)
			}
			ix.clearHost(ev.Origin)
			continue
		case Added, Changed:
		default:
			return report, fmt.Errorf("index: %s: unknown change kind %s", ev.Origin, ev.Kind)
		}

		res := results[i]
		if res.err != nil {
			uerr := &UnitError{Origin: ev.Origin, Err: res.err}
			report.Failed = append(report.Failed, ev.Origin)
			report.Errors = append(report.Errors, uerr)
			ix.logger.Error("malformed declaration", "unit", ev.Origin, "err", res.err)
			continue
		}

		if len(res.descs) == 0 {
			// A previous revision of this unit may have been a provider.
			if ix.forget(ev.Origin) {
				report.Forgotten = append(report.Forgotten, ev.Origin)
			}
		} else {
			evictions := ix.tracker.Record(ev.Origin, res.descs)
			for _, e := range evictions {
				ix.warnEviction(e)
			}
			report.Evictions = append(report.Evictions, evictions...)
			report.Recorded = append(report.Recorded, ev.Origin)
		}

		if ev.Host {
			ix.setHost(ev.Origin)
		} else {
			ix.clearHost(ev.Origin)
		}
	}

	ix.reconcile(mentioned, report)

	if report.Changed() {
		ix.generation++
	}
	ix.logger.Debug("batch applied",
		"events", len(b.Events),
		"recorded", len(report.Recorded),
		"forgotten", len(report.Forgotten),
		"reconciled", len(report.Reconciled),
		"failed", len(report.Failed),
	)

	if len(report.Errors) > 0 {
		return report, fmt.Errorf("index had %d malformed unit(s): %w", len(report.Errors), errors.Join(report.Errors...))
	}
	return report, nil
}

// reconcile forgets every tracked origin the batch did not mention.
func (ix *Index) reconcile(mentioned map[Origin]bool, report *Report) {
	var stale []Origin
	for o := range ix.tracker.Origins() {
		if !mentioned[o] {
			stale = append(stale, o)
		}
	}
	sortOrigins(stale)
	for _, o := range stale {
		ix.forget(o)
		ix.logger.Debug("origin vanished from enumeration", "unit", o)
	}
	report.Reconciled = append(report.Reconciled, stale...)

	if ix.host != nil && !mentioned[*ix.host] {
		ix.host = nil
		ix.generation++
	}
}

// extractAll runs the Extractor over every Added or Changed event. Results are
// indexed like events so commits can happen in batch order.
func (ix *Index) extractAll(events []Event) []extraction {
	results := make([]extraction, len(events))
	var pending []int
	for i, ev := range events {
		if ev.Kind == Added || ev.Kind == Changed {
			pending = append(pending, i)
		}
	}

	numWorkers := min(ix.workers, len(pending))
	if numWorkers < 2 {
		for _, i := range pending {
			results[i] = ix.extractUnit(events[i].Types)
		}
		return results
	}

	workCh := make(chan int, len(pending))
	for _, i := range pending {
		workCh <- i
	}
	close(workCh)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workCh {
				results[i] = ix.extractUnit(events[i].Types)
			}
		}()
	}
	wg.Wait()
	return results
}

func (ix *Index) extractUnit(types []provider.Type) extraction {
	var (
		descs []provider.Descriptor
		errs  []error
	)
	for _, t := range types {
		d, ok, err := ix.extractor.Extract(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			descs = append(descs, d)
		}
	}
	if len(errs) > 0 {
		return extraction{err: errors.Join(errs...)}
	}
	return extraction{descs: descs}
}

// forget drops o from the tracker, noting every shadowed declaration that
// becomes live again.
func (ix *Index) forget(o Origin) bool {
	for _, d := range ix.tracker.DescriptorsOf(o) {
		if shadowed := ix.tracker.Shadowed(d.ClassName); len(shadowed) > 0 {
			ix.logger.Debug("shadowed provider is live again", "class", d.ClassName, "owner", shadowed[0], "gone", o)
		}
	}
	return ix.tracker.Forget(o)
}

func (ix *Index) setHost(o Origin) {
	if ix.host != nil && *ix.host == o {
		return
	}
	if ix.host != nil {
		ix.logger.Warn("registry host defined by more than one unit", "previous", *ix.host, "current", o)
	}
	ix.host = &o
	ix.generation++
}

func (ix *Index) clearHost(o Origin) {
	if ix.host != nil && *ix.host == o {
		ix.host = nil
		ix.generation++
	}
}

func (ix *Index) warnEviction(e Eviction) {
	ix.logger.Warn("duplicate provider", "class", e.ClassName, "shadowed", e.From, "owner", e.To)
}
