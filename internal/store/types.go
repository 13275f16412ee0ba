package store

import (
	"time"

	"github.com/jward/spindex/internal/provider"
)

// Unit is one indexed compilation unit: a loose source file or an archive.
type Unit struct {
	ID          int64     `json:"-" yaml:"-"`
	Path        string    `json:"path" yaml:"path"`
	Hash        string    `json:"hash" yaml:"hash"`
	IsHost      bool      `json:"is_host" yaml:"is_host"`
	LastIndexed time.Time `json:"last_indexed" yaml:"last_indexed"`

	// Deferred marks a unit whose provider declarations name services that
	// only resolve against the classes of the whole input set.
	Deferred bool `json:"deferred,omitempty" yaml:"deferred,omitempty"`

	// Types lists the binary names of every type the unit declares.
	Types []string `json:"-" yaml:"-"`
}

// UnitProviders pairs a unit with the provider descriptors it declares, as
// loaded back from the database. Declarations shadowed by another unit are
// included; their Claim orders them.
type UnitProviders struct {
	Unit      *Unit
	Providers []provider.Descriptor
}
