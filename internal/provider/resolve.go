package provider

import (
	"fmt"
	"slices"
	"strings"
)

// Resolve returns a copy of d with every unresolved service settled against
// the class names known reports, following Java's shadowing order: a class
// of the unit's own package wins, otherwise exactly one on-demand candidate
// must be known, otherwise a java.lang candidate is taken. Names that stay
// ambiguous or unknown make the copy Invalid. d itself is never modified.
func (d *Declaration) Resolve(known func(className string) bool) *Declaration {
	if d == nil || len(d.Unresolved) == 0 {
		return d
	}
	out := *d
	out.Services = slices.Clone(d.Services)
	out.Unresolved = nil

	for _, u := range d.Unresolved {
		name, reason := resolveService(u, known)
		if reason != "" {
			out.Invalid = reason
			return &out
		}
		out.Services[u.Index] = name
	}
	return &out
}

func resolveService(u UnresolvedService, known func(string) bool) (string, string) {
	if len(u.Candidates) == 0 {
		return "", fmt.Sprintf("service %s has no candidates", u.Name)
	}
	if known(u.Candidates[0]) {
		return u.Candidates[0], ""
	}

	var found []string
	javaLang := ""
	for _, c := range u.Candidates[1:] {
		if strings.HasPrefix(c, "java.lang.") && strings.Count(c, ".") == 2 {
			javaLang = c
			continue
		}
		if known(c) {
			found = append(found, c)
		}
	}
	switch {
	case len(found) == 1:
		return found[0], ""
	case len(found) > 1:
		return "", fmt.Sprintf("ambiguous service name %s: %s", u.Name, strings.Join(found, ", "))
	case javaLang != "":
		return javaLang, ""
	}
	return "", fmt.Sprintf("cannot resolve service %s: none of %s is a known class", u.Name, strings.Join(u.Candidates, ", "))
}
