package store

import (
	"crypto/sha256"
	"fmt"

	"github.com/jward/spindex/internal/aggregate"
)

// ComputeRegistryHash computes a deterministic hash of an aggregation's
// registry-visible content: services in lexical order, each provider list in
// its resolved order, the singleton set and the registry host. Discovery
// sequence numbers only matter through the order they produce.
func ComputeRegistryHash(agg *aggregate.Aggregation, host string) string {
	h := sha256.New()

	fmt.Fprintf(h, "host:%s\n", host)

	for _, service := range agg.Services() {
		fmt.Fprintf(h, "service:%s\n", service)
		for _, p := range agg.Providers(service) {
			fmt.Fprintf(h, "provider:%s:%d\n", p.ClassName, p.Priority)
		}
	}

	// Singletons are already sorted.
	for _, name := range agg.Singletons() {
		fmt.Fprintf(h, "singleton:%s\n", name)
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}
