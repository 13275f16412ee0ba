package store

import (
	"slices"
	"sync"

	"github.com/jward/spindex/internal/provider"
)

// UnitWrite is a buffered upsert of a unit row plus its declared types and
// full provider set.
type UnitWrite struct {
	Unit      Unit
	Providers []provider.Descriptor
}

// Batch buffers one indexing pass in memory so Store.Commit can write it in
// a single transaction. Decode workers may add to it concurrently; the
// mutex protects the slices.
type Batch struct {
	mu sync.Mutex

	// Reset drops every stored unit before the buffered writes are applied.
	Reset bool

	Units    []UnitWrite
	Deletes  []string
	Metadata map[string]string
}

// NewBatch creates an empty Batch.
func NewBatch() *Batch {
	return &Batch{Metadata: make(map[string]string)}
}

// PutUnit buffers an upsert of u and a wholesale replacement of its types
// and providers.
func (b *Batch) PutUnit(u Unit, descs []provider.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u.Types = slices.Clone(u.Types)
	b.Units = append(b.Units, UnitWrite{Unit: u, Providers: cloneDescriptors(descs)})
}

// DeleteUnit buffers removal of the unit at path and everything it owns.
func (b *Batch) DeleteUnit(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Deletes = append(b.Deletes, path)
}

// SetMetadata buffers a metadata upsert.
func (b *Batch) SetMetadata(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Metadata[key] = value
}

func cloneDescriptors(descs []provider.Descriptor) []provider.Descriptor {
	out := slices.Clone(descs)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}
