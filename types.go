package spindex

import (
	"time"

	"github.com/jward/spindex/internal/aggregate"
	"github.com/jward/spindex/internal/index"
	"github.com/jward/spindex/internal/provider"
	"github.com/jward/spindex/internal/store"
)

// Public type aliases for internal types used in the Engine and QueryBuilder
// API. These are Go type aliases (=): identical to the internal types at
// compile time. External consumers use these names; no conversion is needed.

type Store = store.Store
type Unit = store.Unit
type Descriptor = provider.Descriptor
type Origin = index.Origin
type Eviction = index.Eviction
type ProviderInfo = aggregate.ProviderInfo
type Registry = aggregate.Registry
type Binding = aggregate.Binding
type Ref = aggregate.Ref
type SingletonSlot = aggregate.SingletonSlot

// PassReport summarizes one indexing pass.
type PassReport struct {
	// Full is true when all previous state was dropped before the pass.
	Full bool `json:"full"`

	Units     int `json:"units"`
	Decoded   int `json:"decoded"`
	Unchanged int `json:"unchanged"`

	Recorded   []string `json:"recorded,omitempty"`
	Forgotten  []string `json:"forgotten,omitempty"`
	Reconciled []string `json:"reconciled,omitempty"`
	Failed     []string `json:"failed,omitempty"`

	Evictions []Eviction `json:"evictions,omitempty"`

	// Errors holds the per-unit malformed declaration errors.
	Errors []error `json:"-"`
	// ReadErrors holds units that could not be read this pass.
	ReadErrors []error `json:"-"`

	Providers   int  `json:"providers"`
	Services    int  `json:"services"`
	Singletons  int  `json:"singletons"`
	HostPresent bool `json:"host_present"`

	// RegistryChanged reports whether the materialized registry differs
	// from the one the previous pass produced.
	RegistryChanged bool `json:"registry_changed"`

	Duration time.Duration `json:"duration"`
}

func (r *PassReport) fill(ir *index.Report, agg *aggregate.Aggregation, host bool) {
	r.Recorded = originStrings(ir.Recorded)
	r.Forgotten = originStrings(ir.Forgotten)
	r.Reconciled = originStrings(ir.Reconciled)
	r.Failed = originStrings(ir.Failed)
	r.Evictions = ir.Evictions
	r.Errors = ir.Errors
	r.Services = agg.Len()
	r.Singletons = len(agg.Singletons())
	r.HostPresent = host
	seen := make(map[string]bool)
	for _, svc := range agg.Services() {
		for _, p := range agg.Providers(svc) {
			seen[p.ClassName] = true
		}
	}
	r.Providers = len(seen)
}

func originStrings(origins []index.Origin) []string {
	if len(origins) == 0 {
		return nil
	}
	out := make([]string, len(origins))
	for i, o := range origins {
		out[i] = o.String()
	}
	return out
}
