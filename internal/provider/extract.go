// Package provider turns decoded type declarations into normalized provider
// descriptors.
//
// Extraction is a pure function of one type's declaration data and holds no
// shared state, so an Extractor may be used from several goroutines at once.
package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultSkipPatterns match simple names of generated resource-index and
// build-config classes, which are never providers.
var DefaultSkipPatterns = []string{`^R$`, `^R\$\w+$`, `^BuildConfig$`}

// Extractor decides whether a decoded type declares a provider and produces
// its Descriptor.
type Extractor struct {
	skip []*regexp.Regexp
}

// NewExtractor compiles the given simple-name skip patterns. With no patterns
// DefaultSkipPatterns is used.
func NewExtractor(skipPatterns ...string) (*Extractor, error) {
	if len(skipPatterns) == 0 {
		skipPatterns = DefaultSkipPatterns
	}
	x := &Extractor{skip: make([]*regexp.Regexp, 0, len(skipPatterns))}
	for _, p := range skipPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile skip pattern %q: %w", p, err)
		}
		x.skip = append(x.skip, re)
	}
	return x, nil
}

// MustExtractor is NewExtractor for patterns known to be valid.
func MustExtractor(skipPatterns ...string) *Extractor {
	x, err := NewExtractor(skipPatterns...)
	if err != nil {
		panic(err)
	}
	return x
}

// Eligible reports whether t is structurally allowed to be a provider.
func (x *Extractor) Eligible(t Type) bool {
	switch t.Kind {
	case KindInterface, KindEnum, KindAnnotation, KindPrimitive:
		return false
	}
	if t.Abstract || !t.Public {
		return false
	}
	name := t.SimpleName()
	for _, re := range x.skip {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

// Extract returns the descriptor declared by t. ok is false when t is not a
// provider: ineligible types and types without a declaration are skipped
// silently. A declaration with no services, one the decoder flagged as
// invalid, or one with services left unresolved yields a
// *MalformedDeclarationError.
func (x *Extractor) Extract(t Type) (d Descriptor, ok bool, err error) {
	if !x.Eligible(t) || t.Declaration == nil {
		return Descriptor{}, false, nil
	}
	decl := t.Declaration
	if decl.Invalid != "" {
		return Descriptor{}, false, &MalformedDeclarationError{ClassName: t.ClassName, Reason: decl.Invalid}
	}
	if len(decl.Services) == 0 {
		return Descriptor{}, false, &MalformedDeclarationError{ClassName: t.ClassName, Reason: "services is empty"}
	}
	if len(decl.Unresolved) > 0 {
		u := decl.Unresolved[0]
		return Descriptor{}, false, &MalformedDeclarationError{
			ClassName: t.ClassName,
			Reason:    fmt.Sprintf("ambiguous service name %s: one of %s", u.Name, strings.Join(u.Candidates, ", ")),
		}
	}

	d = Descriptor{
		ClassName:  t.ClassName,
		Services:   append([]string(nil), decl.Services...),
		Priorities: NormalizePriorities(decl.Priorities, len(decl.Services)),
	}
	if decl.Singleton != nil {
		d.Singleton = *decl.Singleton
	}
	return d, true, nil
}

// NormalizePriorities truncates or zero-pads priorities to exactly n entries.
func NormalizePriorities(priorities []int, n int) []int {
	out := make([]int, n)
	copy(out, priorities)
	return out
}
