package provider

import "strings"

// Kind classifies a decoded type declaration.
type Kind uint8

const (
	KindClass Kind = iota
	KindInterface
	KindEnum
	KindAnnotation
	KindPrimitive
)

var kindNames = [...]string{
	KindClass:      "class",
	KindInterface:  "interface",
	KindEnum:       "enum",
	KindAnnotation: "annotation",
	KindPrimitive:  "primitive",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind maps a kind name back to a Kind. Unknown names report false.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return KindClass, false
}

// Type is the decoded view of one type found in a compilation unit: its
// identity, the structural facts needed for eligibility filtering, and the
// provider declaration it carries, if any.
type Type struct {
	ClassName string
	Kind      Kind
	Public    bool
	Abstract  bool

	// Declaration is nil when the type carries no provider declaration.
	Declaration *Declaration
}

// SimpleName returns the class name without its package qualifier.
func (t Type) SimpleName() string {
	if i := strings.LastIndexByte(t.ClassName, '.'); i >= 0 {
		return t.ClassName[i+1:]
	}
	return t.ClassName
}

// Declaration is a raw provider declaration as decoded from its source,
// before normalization.
type Declaration struct {
	Services   []string
	Priorities []int
	Singleton  *bool // nil when unspecified

	// Invalid is set by the decoder when the declaration data could not be
	// interpreted (for example a non-literal priority). A non-empty value
	// makes extraction fail with the given reason.
	Invalid string

	// Unresolved lists services written as simple names that on-demand
	// imports make ambiguous within the unit alone. Services holds the name
	// as written at each listed index until Resolve settles it; extraction
	// fails while any remain.
	Unresolved []UnresolvedService
}

// UnresolvedService is a service name with more than one possible binary
// name.
type UnresolvedService struct {
	Index int
	Name  string
	// Candidates lists the unit's own package first, then each on-demand
	// import in source order, then java.lang when the name is a java.lang type.
	Candidates []string
}

// Deferred reports whether t carries services that need Resolve.
func (t Type) Deferred() bool {
	return t.Declaration != nil && len(t.Declaration.Unresolved) > 0
}

// Descriptor is the normalized record of one provider class.
// len(Priorities) == len(Services) always holds.
type Descriptor struct {
	ClassName  string   `json:"class" yaml:"class"`
	Services   []string `json:"services" yaml:"services"`
	Priorities []int    `json:"priorities" yaml:"priorities"`
	Singleton  bool     `json:"singleton" yaml:"singleton"`

	// Seq is the discovery sequence number assigned when the class name first
	// became live. It breaks priority ties during aggregation.
	Seq uint64 `json:"seq" yaml:"seq"`

	// Claim orders declarations of the same class name by different units.
	// The highest claim is live; the others are shadowed.
	Claim uint64 `json:"-" yaml:"-"`
}

// PriorityFor returns the priority paired with the first occurrence of
// service, or false when the descriptor does not implement it.
func (d Descriptor) PriorityFor(service string) (int, bool) {
	for i, s := range d.Services {
		if s == service {
			return d.Priorities[i], true
		}
	}
	return 0, false
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	d.Services = append([]string(nil), d.Services...)
	d.Priorities = append([]int(nil), d.Priorities...)
	return d
}
