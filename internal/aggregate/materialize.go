package aggregate

// RefKind says how a registry entry is satisfied at runtime.
type RefKind string

const (
	// RefType entries name a provider type the consumer instantiates on demand.
	RefType RefKind = "type"
	// RefSingleton entries point at a shared instance slot.
	RefSingleton RefKind = "singleton"
)

// Ref is one element of a service's provider list. Slot is set only for
// singleton references and indexes Registry.Singletons.
type Ref struct {
	Kind      RefKind `json:"kind" yaml:"kind"`
	ClassName string  `json:"class" yaml:"class"`
	Slot      *int    `json:"slot,omitempty" yaml:"slot,omitempty"`
}

// SingletonSlot is the single shared instance of a singleton provider.
type SingletonSlot struct {
	Slot      int    `json:"slot" yaml:"slot"`
	ClassName string `json:"class" yaml:"class"`
}

// Binding is a service and its ordered provider references.
type Binding struct {
	Service   string `json:"service" yaml:"service"`
	Providers []Ref  `json:"providers" yaml:"providers"`
}

// Registry is the logical content of the generated lookup structure.
type Registry struct {
	Host       string          `json:"host" yaml:"host"`
	Singletons []SingletonSlot `json:"singletons" yaml:"singletons"`
	Services   []Binding       `json:"services" yaml:"services"`
}

// Materialize converts an aggregation into registry content for the given
// host type. Every singleton gets exactly one slot, shared by all services
// that list it. An empty host means the host type was not among the inputs;
// nothing is produced and ok is false.
func Materialize(agg *Aggregation, host string) (reg *Registry, ok bool) {
	if host == "" {
		return nil, false
	}

	reg = &Registry{
		Host:       host,
		Singletons: make([]SingletonSlot, 0, len(agg.singletons)),
		Services:   make([]Binding, 0, len(agg.services)),
	}
	slots := make(map[string]int, len(agg.singletons))
	for i, name := range agg.singletons {
		slots[name] = i
		reg.Singletons = append(reg.Singletons, SingletonSlot{Slot: i, ClassName: name})
	}

	for _, service := range agg.Services() {
		list := agg.services[service]
		b := Binding{Service: service, Providers: make([]Ref, 0, len(list))}
		for _, p := range list {
			if slot, ok := slots[p.ClassName]; ok {
				b.Providers = append(b.Providers, Ref{Kind: RefSingleton, ClassName: p.ClassName, Slot: &slot})
			} else {
				b.Providers = append(b.Providers, Ref{Kind: RefType, ClassName: p.ClassName})
			}
		}
		reg.Services = append(reg.Services, b)
	}
	return reg, true
}

// Lookup returns the references bound to service, or nil.
func (r *Registry) Lookup(service string) []Ref {
	for _, b := range r.Services {
		if b.Service == service {
			return b.Providers
		}
	}
	return nil
}
