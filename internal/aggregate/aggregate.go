// Package aggregate folds live provider descriptors into per-service ordered
// provider lists and materializes them into a registry.
package aggregate

import (
	"slices"
	"sort"

	"github.com/jward/spindex/internal/provider"
)

// ProviderInfo is one provider's entry in a service list.
type ProviderInfo struct {
	ClassName string `json:"class" yaml:"class"`
	Priority  int    `json:"priority" yaml:"priority"`
}

// Aggregation maps each service to its providers, most preferred first, and
// records which providers are singletons.
type Aggregation struct {
	services   map[string][]ProviderInfo
	singletons []string
}

// Aggregate builds an Aggregation from descs. Descriptors are folded in
// discovery-sequence order, a class listed twice for one service keeps its
// first entry, and each list is stably sorted by priority descending so equal
// priorities stay in discovery order. The result does not depend on the order
// of descs.
func Aggregate(descs []provider.Descriptor) *Aggregation {
	ordered := slices.Clone(descs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	services := make(map[string][]ProviderInfo)
	seen := make(map[string]map[string]bool)
	singletonSet := make(map[string]bool)

	for _, d := range ordered {
		for i, service := range d.Services {
			if seen[service] == nil {
				seen[service] = make(map[string]bool)
			}
			if seen[service][d.ClassName] {
				continue
			}
			seen[service][d.ClassName] = true
			services[service] = append(services[service], ProviderInfo{ClassName: d.ClassName, Priority: d.Priorities[i]})
		}
		if d.Singleton {
			singletonSet[d.ClassName] = true
		}
	}

	for service, list := range services {
		if len(list) == 0 {
			delete(services, service)
			continue
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	}

	singletons := make([]string, 0, len(singletonSet))
	for name := range singletonSet {
		singletons = append(singletons, name)
	}
	sort.Strings(singletons)

	return &Aggregation{services: services, singletons: singletons}
}

// Services returns the service names in lexical order.
func (a *Aggregation) Services() []string {
	names := make([]string, 0, len(a.services))
	for name := range a.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers returns a copy of the ordered provider list for service.
func (a *Aggregation) Providers(service string) []ProviderInfo {
	return slices.Clone(a.services[service])
}

// Singletons returns the singleton class names in lexical order.
func (a *Aggregation) Singletons() []string {
	return slices.Clone(a.singletons)
}

// IsSingleton reports whether className is in the singleton set.
func (a *Aggregation) IsSingleton(className string) bool {
	_, found := slices.BinarySearch(a.singletons, className)
	return found
}

// Len returns the number of services.
func (a *Aggregation) Len() int { return len(a.services) }
