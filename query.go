package spindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jward/spindex/internal/aggregate"
)

// QueryBuilder provides read access to the live provider index and the
// registry it materializes to. Results reflect the index at call time.
type QueryBuilder struct {
	engine *Engine
}

// --- Common Types ---

// Pagination controls offset+limit paging on list/search results.
type Pagination struct {
	Offset int // skip this many results (default 0)
	Limit  int // max results to return (default 50, max 500)
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// normalize returns a Pagination with defaults applied and bounds enforced.
func (p Pagination) normalize() Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// PagedResult wraps a page of results with total count for pagination.
type PagedResult[T any] struct {
	Items      []T `json:"items" yaml:"items"`
	TotalCount int `json:"total_count" yaml:"total_count"` // total matching results (before pagination)
}

func paginate[T any](all []T, page Pagination) *PagedResult[T] {
	page = page.normalize()
	res := &PagedResult[T]{TotalCount: len(all)}
	if page.Offset >= len(all) {
		res.Items = []T{}
		return res
	}
	end := min(page.Offset+page.Limit, len(all))
	res.Items = all[page.Offset:end]
	return res
}

// ServiceResult is a service with its ordered providers.
type ServiceResult struct {
	Service   string         `json:"service" yaml:"service"`
	Providers []ProviderInfo `json:"providers" yaml:"providers"`
}

// OriginResult lists the provider classes one unit owns.
type OriginResult struct {
	Origin    string   `json:"origin" yaml:"origin"`
	Providers []string `json:"providers" yaml:"providers"`
	Host      bool     `json:"host,omitempty" yaml:"host,omitempty"`
}

// ProviderDetail is one live provider descriptor and the unit it came from.
type ProviderDetail struct {
	Descriptor `yaml:",inline"`
	Origin     string `json:"origin" yaml:"origin"`
}

// --- Enumeration Endpoints ---

// Services returns every service name in lexical order.
func (q *QueryBuilder) Services() []string {
	return q.engine.aggregation().Services()
}

// Providers returns the providers of service, most preferred first. An
// unknown service yields an empty list.
func (q *QueryBuilder) Providers(service string) []ProviderInfo {
	return q.engine.aggregation().Providers(service)
}

// Singletons returns the singleton provider class names in lexical order.
func (q *QueryBuilder) Singletons() []string {
	return q.engine.aggregation().Singletons()
}

// Origins lists each unit owning providers, plus the registry host unit,
// with the provider classes it owns, ordered by origin.
func (q *QueryBuilder) Origins() []OriginResult {
	tracker := q.engine.index.Tracker()
	host, hasHost := q.engine.index.Host()
	origins := tracker.SortedOrigins()
	if hasHost && !tracker.Tracks(host) {
		origins = append(origins, host)
		sort.Slice(origins, func(i, j int) bool { return origins[i].String() < origins[j].String() })
	}
	var out []OriginResult
	for _, o := range origins {
		descs := tracker.DescriptorsOf(o)
		names := make([]string, len(descs))
		for i, d := range descs {
			names[i] = d.ClassName
		}
		out = append(out, OriginResult{
			Origin:    o.String(),
			Providers: names,
			Host:      hasHost && host == o,
		})
	}
	return out
}

// ProviderByClass returns the live descriptor for className.
func (q *QueryBuilder) ProviderByClass(className string) (*ProviderDetail, bool) {
	d, o, ok := q.engine.index.Tracker().Lookup(className)
	if !ok {
		return nil, false
	}
	return &ProviderDetail{Descriptor: d, Origin: o.String()}, true
}

// Host returns the origin defining the registry host, if any unit does.
func (q *QueryBuilder) Host() (string, bool) {
	o, ok := q.engine.index.Host()
	if !ok {
		return "", false
	}
	return o.String(), true
}

// Registry returns the materialized registry. ok is false when no unit
// defines the registry host, in which case nothing is generated.
func (q *QueryBuilder) Registry() (*Registry, bool) {
	return aggregate.Materialize(q.engine.aggregation(), q.engine.hostName())
}

// --- Search ---

// SearchServices performs glob-style search on service names. '*' matches
// any run of characters, dots included. Results are in lexical order.
func (q *QueryBuilder) SearchServices(pattern string, page Pagination) *PagedResult[ServiceResult] {
	match := globMatcher(pattern)
	agg := q.engine.aggregation()
	var all []ServiceResult
	for _, svc := range agg.Services() {
		if match(svc) {
			all = append(all, ServiceResult{Service: svc, Providers: agg.Providers(svc)})
		}
	}
	return paginate(all, page)
}

// Units lists the stored units under pathPrefix in path order.
func (q *QueryBuilder) Units(pathPrefix string, page Pagination) (*PagedResult[Unit], error) {
	units, err := q.engine.store.Units()
	if err != nil {
		return nil, fmt.Errorf("units: %w", err)
	}
	var all []Unit
	for _, u := range units {
		if pathPrefix == "" || strings.HasPrefix(u.Path, pathPrefix) {
			all = append(all, *u)
		}
	}
	return paginate(all, page), nil
}

// globMatcher compiles a glob whose only metacharacter is '*'.
func globMatcher(pattern string) func(string) bool {
	if pattern == "" || pattern == "*" {
		return func(string) bool { return true }
	}
	parts := strings.Split(pattern, "*")
	return func(s string) bool {
		if !strings.HasPrefix(s, parts[0]) {
			return false
		}
		s = s[len(parts[0]):]
		last := len(parts) - 1
		if last == 0 {
			return s == ""
		}
		for i := 1; i < last; i++ {
			j := strings.Index(s, parts[i])
			if j < 0 {
				return false
			}
			s = s[j+len(parts[i]):]
		}
		return strings.HasSuffix(s, parts[last])
	}
}

// --- Digest Endpoints ---

// ServiceStat is a service and how many providers it has.
type ServiceStat struct {
	Service   string `json:"service" yaml:"service"`
	Providers int    `json:"providers" yaml:"providers"`
}

// Summary provides a high-level overview of the index.
type Summary struct {
	Units       int           `json:"units" yaml:"units"`
	Origins     int           `json:"origins" yaml:"origins"`
	Providers   int           `json:"providers" yaml:"providers"`
	Services    int           `json:"services" yaml:"services"`
	Singletons  int           `json:"singletons" yaml:"singletons"`
	Host        string        `json:"host,omitempty" yaml:"host,omitempty"`
	TopServices []ServiceStat `json:"top_services" yaml:"top_services"`
	Generation  uint64        `json:"generation" yaml:"generation"`
}

// Summary returns counts over the index plus the topN services with the
// most providers (ties by name).
func (q *QueryBuilder) Summary(topN int) (*Summary, error) {
	units, err := q.engine.store.Units()
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	agg := q.engine.aggregation()
	tracker := q.engine.index.Tracker()

	sum := &Summary{
		Units:      len(units),
		Origins:    tracker.OriginCount(),
		Providers:  tracker.Len(),
		Services:   agg.Len(),
		Singletons: len(agg.Singletons()),
		Generation: q.engine.index.Generation(),
	}
	if o, ok := q.engine.index.Host(); ok {
		sum.Host = o.String()
	}

	stats := make([]ServiceStat, 0, agg.Len())
	for _, svc := range agg.Services() {
		stats = append(stats, ServiceStat{Service: svc, Providers: len(agg.Providers(svc))})
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Providers > stats[j].Providers })
	if topN > 0 && len(stats) > topN {
		stats = stats[:topN]
	}
	sum.TopServices = stats
	return sum, nil
}
