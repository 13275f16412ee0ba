package index

import (
	"iter"
	"sort"

	"github.com/jward/spindex/internal/provider"
)

// Origin identifies the compilation unit that contributed descriptors: a
// loose source file or an archive.
type Origin struct {
	Path string
}

func (o Origin) String() string { return o.Path }

// Eviction records a class name that was live under one origin and was
// claimed by another. The newer origin wins; the older declaration stays
// shadowed behind it.
type Eviction struct {
	ClassName string
	From      Origin
	To        Origin
}

// declared is everything one origin declares, live or shadowed.
type declared struct {
	names []string // record order
	descs map[string]provider.Descriptor
}

// claim is one origin's declaration of a class name. n orders claims of the
// same name: the highest is live.
type claim struct {
	origin Origin
	n      uint64
}

// Tracker maps each origin to the descriptors it declares and keeps, per
// class name, every origin declaring it in claim order. The newest claim is
// live; older ones are shadowed and become live again when the newer origin
// stops declaring the class.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	origins   map[Origin]*declared
	claims    map[string][]claim // oldest first
	seqs      map[string]uint64
	nextSeq   uint64
	nextClaim uint64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.Clear()
	return t
}

// Clear drops every origin and restarts discovery sequence numbering.
func (t *Tracker) Clear() {
	t.origins = make(map[Origin]*declared)
	t.claims = make(map[string][]claim)
	t.seqs = make(map[string]uint64)
	t.nextSeq = 1
	t.nextClaim = 0
}

// Record replaces the descriptor set declared by o. A class name o did not
// declare before is claimed on top of any other origin's declaration, which
// is reported as an eviction. Names o keeps declaring keep their claim.
// A class name keeps its discovery sequence number for as long as any origin
// declares it. Within descs a repeated class name replaces the earlier entry.
func (t *Tracker) Record(o Origin, descs []provider.Descriptor) []Eviction {
	descs = dedupe(descs)
	next := &declared{
		names: make([]string, 0, len(descs)),
		descs: make(map[string]provider.Descriptor, len(descs)),
	}
	for _, d := range descs {
		next.names = append(next.names, d.ClassName)
		next.descs[d.ClassName] = d.Clone()
	}

	if prev, ok := t.origins[o]; ok {
		for _, name := range prev.names {
			if _, kept := next.descs[name]; !kept {
				t.unclaim(name, o)
			}
		}
	}

	var evictions []Eviction
	for _, name := range next.names {
		if t.claimIndex(name, o) >= 0 {
			continue
		}
		if live, ok := t.owner(name); ok {
			evictions = append(evictions, Eviction{ClassName: name, From: live, To: o})
		}
		t.nextClaim++
		t.claims[name] = append(t.claims[name], claim{origin: o, n: t.nextClaim})
		if _, ok := t.seqs[name]; !ok {
			t.seqs[name] = t.nextSeq
			t.nextSeq++
		}
	}
	t.origins[o] = next
	return evictions
}

// Restore installs persisted descriptors for o, replacing whatever o declared.
// Sequence numbers and claims are taken as given; a zero Claim ranks as the
// newest declaration so far and a zero Seq is assigned the next one.
func (t *Tracker) Restore(o Origin, descs []provider.Descriptor) {
	t.Forget(o)
	descs = dedupe(descs)
	next := &declared{
		names: make([]string, 0, len(descs)),
		descs: make(map[string]provider.Descriptor, len(descs)),
	}
	for _, d := range descs {
		d = d.Clone()
		n := d.Claim
		if n == 0 {
			n = t.nextClaim + 1
		}
		t.nextClaim = max(t.nextClaim, n)

		c := claim{origin: o, n: n}
		list := t.claims[d.ClassName]
		i := sort.Search(len(list), func(i int) bool { return list[i].n > n })
		t.claims[d.ClassName] = append(list[:i:i], append([]claim{c}, list[i:]...)...)

		if _, ok := t.seqs[d.ClassName]; !ok {
			seq := d.Seq
			if seq == 0 {
				seq = t.nextSeq
			}
			t.seqs[d.ClassName] = seq
		}
		t.nextSeq = max(t.nextSeq, t.seqs[d.ClassName]+1)

		next.names = append(next.names, d.ClassName)
		next.descs[d.ClassName] = d
	}
	t.origins[o] = next
}

// Forget removes o and all of its declarations, so any declaration o
// shadowed becomes live again. It reports whether o was tracked.
func (t *Tracker) Forget(o Origin) bool {
	decl, ok := t.origins[o]
	if !ok {
		return false
	}
	for _, name := range decl.names {
		t.unclaim(name, o)
	}
	delete(t.origins, o)
	return true
}

// Tracks reports whether o is currently tracked.
func (t *Tracker) Tracks(o Origin) bool {
	_, ok := t.origins[o]
	return ok
}

// Origins returns a lazy sequence over the tracked origins. Each call starts
// a fresh pass, so the sequence can be ranged over repeatedly.
func (t *Tracker) Origins() iter.Seq[Origin] {
	return func(yield func(Origin) bool) {
		for o := range t.origins {
			if !yield(o) {
				return
			}
		}
	}
}

// SortedOrigins returns the tracked origins ordered by their string form.
func (t *Tracker) SortedOrigins() []Origin {
	out := make([]Origin, 0, len(t.origins))
	for o := range t.Origins() {
		out = append(out, o)
	}
	sortOrigins(out)
	return out
}

// Descriptors returns copies of all live descriptors in discovery order.
func (t *Tracker) Descriptors() []provider.Descriptor {
	out := make([]provider.Descriptor, 0, len(t.claims))
	for name := range t.claims {
		d, _, _ := t.Lookup(name)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// DescriptorsOf returns copies of the live descriptors owned by o in record
// order. Declarations of o shadowed by another origin are left out.
func (t *Tracker) DescriptorsOf(o Origin) []provider.Descriptor {
	decl, ok := t.origins[o]
	if !ok {
		return nil
	}
	out := make([]provider.Descriptor, 0, len(decl.names))
	for _, name := range decl.names {
		if live, ok := t.owner(name); ok && live == o {
			out = append(out, t.stamp(name, o))
		}
	}
	return out
}

// Declared returns copies of every descriptor o declares in record order,
// shadowed ones included, each stamped with its sequence number and o's
// claim. It is the state Restore takes back.
func (t *Tracker) Declared(o Origin) []provider.Descriptor {
	decl, ok := t.origins[o]
	if !ok {
		return nil
	}
	out := make([]provider.Descriptor, 0, len(decl.names))
	for _, name := range decl.names {
		out = append(out, t.stamp(name, o))
	}
	return out
}

// Lookup returns the live descriptor for className and the origin owning it.
func (t *Tracker) Lookup(className string) (provider.Descriptor, Origin, bool) {
	o, ok := t.owner(className)
	if !ok {
		return provider.Descriptor{}, Origin{}, false
	}
	return t.stamp(className, o), o, true
}

// Shadowed returns the origins whose declaration of className is hidden
// behind the live one, newest first.
func (t *Tracker) Shadowed(className string) []Origin {
	list := t.claims[className]
	if len(list) < 2 {
		return nil
	}
	out := make([]Origin, 0, len(list)-1)
	for i := len(list) - 2; i >= 0; i-- {
		out = append(out, list[i].origin)
	}
	return out
}

// Len returns the number of live descriptors.
func (t *Tracker) Len() int { return len(t.claims) }

// OriginCount returns the number of tracked origins.
func (t *Tracker) OriginCount() int { return len(t.origins) }

func (t *Tracker) owner(className string) (Origin, bool) {
	list := t.claims[className]
	if len(list) == 0 {
		return Origin{}, false
	}
	return list[len(list)-1].origin, true
}

func (t *Tracker) claimIndex(className string, o Origin) int {
	for i, c := range t.claims[className] {
		if c.origin == o {
			return i
		}
	}
	return -1
}

// stamp returns a copy of o's declaration of className carrying the class's
// sequence number and o's claim.
func (t *Tracker) stamp(className string, o Origin) provider.Descriptor {
	d := t.origins[o].descs[className].Clone()
	d.Seq = t.seqs[className]
	if i := t.claimIndex(className, o); i >= 0 {
		d.Claim = t.claims[className][i].n
	}
	return d
}

// unclaim drops o's claim on className. A class nobody declares any more
// loses its sequence number.
func (t *Tracker) unclaim(className string, o Origin) {
	i := t.claimIndex(className, o)
	if i < 0 {
		return
	}
	list := t.claims[className]
	list = append(list[:i:i], list[i+1:]...)
	if len(list) == 0 {
		delete(t.claims, className)
		delete(t.seqs, className)
		return
	}
	t.claims[className] = list
}

// dedupe collapses repeated class names, the later entry replacing the
// earlier one in place.
func dedupe(descs []provider.Descriptor) []provider.Descriptor {
	pos := make(map[string]int, len(descs))
	out := make([]provider.Descriptor, 0, len(descs))
	for _, d := range descs {
		if i, ok := pos[d.ClassName]; ok {
			out[i] = d
			continue
		}
		pos[d.ClassName] = len(out)
		out = append(out, d)
	}
	return out
}

func sortOrigins(origins []Origin) {
	sort.Slice(origins, func(i, j int) bool { return origins[i].String() < origins[j].String() })
}
