package runtime

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/jward/spindex/internal/provider"
)

// javaLang holds the java.lang types visible without an import.
var javaLang = map[string]bool{
	"Appendable": true, "AutoCloseable": true, "Boolean": true, "Byte": true,
	"CharSequence": true, "Character": true, "Class": true, "ClassLoader": true,
	"Cloneable": true, "Comparable": true, "Deprecated": true, "Double": true,
	"Enum": true, "Error": true, "Exception": true, "Float": true,
	"FunctionalInterface": true, "InheritableThreadLocal": true, "Integer": true,
	"Iterable": true, "Long": true, "Math": true, "Module": true, "Number": true,
	"Object": true, "Override": true, "Package": true, "Process": true,
	"ProcessBuilder": true, "Readable": true, "Record": true, "Runnable": true,
	"Runtime": true, "RuntimeException": true, "SafeVarargs": true, "Short": true,
	"StackWalker": true, "StrictMath": true, "String": true, "StringBuffer": true,
	"StringBuilder": true, "SuppressWarnings": true, "System": true, "Thread": true,
	"ThreadGroup": true, "ThreadLocal": true, "Throwable": true, "Void": true,
}

// builtinInts holds the java.lang int constants a priority may name.
var builtinInts = map[string]int{
	"Integer.MAX_VALUE":   1<<31 - 1,
	"Integer.MIN_VALUE":   -1 << 31,
	"Short.MAX_VALUE":     1<<15 - 1,
	"Short.MIN_VALUE":     -1 << 15,
	"Byte.MAX_VALUE":      1<<7 - 1,
	"Byte.MIN_VALUE":      -1 << 7,
	"Character.MAX_VALUE": 1<<16 - 1,
	"Character.MIN_VALUE": 0,
}

// maxConstDepth bounds how many constant references one priority may chain
// through.
const maxConstDepth = 4

var (
	errNotIntLiteral = errors.New("not an integer literal")
	errIntRange      = errors.New("out of int range")
	errConstDepth    = errors.New("constant chain too deep")
)

var primitiveNames = map[string]bool{
	"boolean": true, "byte": true, "char": true, "short": true,
	"int": true, "long": true, "float": true, "double": true, "void": true,
}

// resolver turns one unit's raw script output into provider types, resolving
// simple names to binary class names through the package, imports, and the
// unit's own declarations.
type resolver struct {
	unit       unitInfo
	pkg        string
	imports    map[string]string // simple name → binary name
	wildcards  []string          // on-demand import prefixes, source order
	locals     map[string]string // simple name → binary name relative to pkg
	consts     map[string][]constInfo
	annotation string
	annSimple  string
}

func newResolver(unit unitInfo, annotation string) *resolver {
	r := &resolver{
		unit:       unit,
		pkg:        parsePackage(unit.Package),
		imports:    make(map[string]string),
		locals:     make(map[string]string),
		consts:     make(map[string][]constInfo),
		annotation: annotation,
		annSimple:  simpleName(annotation),
	}
	for _, text := range unit.Imports {
		name, static, wildcard := parseImport(text)
		switch {
		case static || name == "":
		case wildcard:
			r.wildcards = append(r.wildcards, name)
		default:
			r.imports[simpleName(name)] = binaryName(name)
		}
	}
	for _, t := range unit.Types {
		simple := t.Name
		if i := strings.LastIndexByte(simple, '$'); i >= 0 {
			simple = simple[i+1:]
		}
		// Outer declarations win over nested ones of the same simple name.
		if _, taken := r.locals[simple]; !taken {
			r.locals[simple] = t.Name
		}
	}
	for _, c := range unit.Constants {
		r.consts[c.Name] = append(r.consts[c.Name], c)
	}
	return r
}

func (r *resolver) types() []provider.Type {
	out := make([]provider.Type, 0, len(r.unit.Types))
	for _, t := range r.unit.Types {
		kind, ok := provider.ParseKind(t.Kind)
		if !ok {
			kind = provider.KindClass
		}
		pt := provider.Type{
			ClassName: r.qualify(t.Name),
			Kind:      kind,
			Public:    t.ImplicitPublic || slices.Contains(t.Modifiers, "public"),
			Abstract:  slices.Contains(t.Modifiers, "abstract"),
		}
		for _, a := range t.Annotations {
			if r.isProviderAnnotation(a.Name) {
				pt.Declaration = r.declaration(t.Name, a.Args)
				break
			}
		}
		out = append(out, pt)
	}
	return out
}

func (r *resolver) qualify(name string) string {
	if r.pkg == "" {
		return name
	}
	return r.pkg + "." + name
}

func (r *resolver) isProviderAnnotation(name string) bool {
	name = stripSpace(name)
	return name == r.annotation || name == r.annSimple
}

// declaration interprets the provider annotation on the type owner, named
// relative to the package.
func (r *resolver) declaration(owner string, args []argInfo) *provider.Declaration {
	decl := &provider.Declaration{}
	for _, arg := range args {
		switch arg.Key {
		case "services":
			for _, v := range arg.Values {
				service, candidates, ok := r.classLiteral(v)
				if !ok {
					decl.Invalid = fmt.Sprintf("service %q is not a class literal", v)
					return decl
				}
				if candidates != nil {
					decl.Unresolved = append(decl.Unresolved, provider.UnresolvedService{
						Index:      len(decl.Services),
						Name:       service,
						Candidates: candidates,
					})
				}
				decl.Services = append(decl.Services, service)
			}
		case "priorities":
			for _, v := range arg.Values {
				p, err := r.intValue(owner, v, 0)
				if err != nil {
					decl.Invalid = fmt.Sprintf("priority %q: %v", v, err)
					return decl
				}
				decl.Priorities = append(decl.Priorities, p)
			}
		case "singleton":
			if len(arg.Values) != 1 {
				decl.Invalid = "singleton must be a single boolean literal"
				return decl
			}
			var b bool
			switch stripSpace(arg.Values[0]) {
			case "true":
				b = true
			case "false":
			default:
				decl.Invalid = fmt.Sprintf("singleton %q is not a boolean literal", arg.Values[0])
				return decl
			}
			decl.Singleton = &b
		}
	}
	return decl
}

// classLiteral resolves an `X.class` expression to a binary class name. A
// simple name that only an on-demand import could supply is returned as
// written, together with every binary name it may denote; the caller settles
// it once the pass's classes are known.
func (r *resolver) classLiteral(expr string) (string, []string, bool) {
	expr = stripSpace(expr)
	name, ok := strings.CutSuffix(expr, ".class")
	if !ok || name == "" || strings.ContainsAny(name, "[]<>()") || primitiveNames[name] {
		return "", nil, false
	}

	parts := strings.Split(name, ".")
	first, rest := parts[0], parts[1:]
	nested := func(base string) string {
		for _, p := range rest {
			base += "$" + p
		}
		return base
	}

	if fqn, ok := r.imports[first]; ok {
		return nested(fqn), nil, true
	}
	if local, ok := r.locals[first]; ok {
		return nested(r.qualify(local)), nil, true
	}
	if len(rest) > 0 && startsLower(first) {
		return binaryName(name), nil, true
	}
	if len(r.wildcards) == 0 {
		if len(rest) == 0 && javaLang[first] {
			return "java.lang." + first, nil, true
		}
		return nested(r.qualify(first)), nil, true
	}

	candidates := []string{nested(r.qualify(first))}
	for _, w := range r.wildcards {
		candidates = append(candidates, nested(binaryName(w+"."+first)))
	}
	if len(rest) == 0 && javaLang[first] {
		candidates = append(candidates, "java.lang."+first)
	}
	return name, candidates, true
}

// intValue evaluates a priority expression on owner: an int literal, a
// java.lang MIN_VALUE or MAX_VALUE constant, or a constant declared in this
// unit, referenced by simple name or qualified by its declaring type.
// Constants of other units and static imports are not folded.
func (r *resolver) intValue(owner, expr string, depth int) (int, error) {
	v, err := ParseIntLiteral(expr)
	if err == nil || errors.Is(err, errIntRange) {
		return v, err
	}
	if depth >= maxConstDepth {
		return 0, errConstDepth
	}

	ref := stripSpace(expr)
	neg := false
	if s, ok := strings.CutPrefix(ref, "-"); ok {
		neg, ref = true, s
	}
	if b, ok := builtinInts[strings.TrimPrefix(ref, "java.lang.")]; ok {
		if neg {
			b = int(-int32(b))
		}
		return b, nil
	}

	c, ok := r.constant(owner, ref)
	if !ok {
		return 0, err
	}
	v, err = r.intValue(c.Owner, c.Value, depth+1)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c.Name, err)
	}
	if neg {
		v = int(-int32(v))
	}
	return v, nil
}

// constant finds the unit constant ref names as seen from owner. A bare name
// is looked up on owner and its enclosing types first, then taken if only one
// type in the unit declares it.
func (r *resolver) constant(owner, ref string) (constInfo, bool) {
	typeName, field := "", ref
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		typeName, field = ref[:i], ref[i+1:]
	}
	matches := r.consts[field]
	if len(matches) == 0 {
		return constInfo{}, false
	}

	if typeName == "" {
		for scope := owner; scope != ""; {
			for _, c := range matches {
				if c.Owner == scope {
					return c, true
				}
			}
			i := strings.LastIndexByte(scope, '$')
			if i < 0 {
				break
			}
			scope = scope[:i]
		}
		if len(matches) == 1 {
			return matches[0], true
		}
		return constInfo{}, false
	}

	if r.pkg != "" {
		typeName = strings.TrimPrefix(typeName, r.pkg+".")
	}
	typeName = strings.ReplaceAll(typeName, ".", "$")
	for _, c := range matches {
		if c.Owner == typeName || strings.HasSuffix(c.Owner, "$"+typeName) {
			return c, true
		}
	}
	return constInfo{}, false
}

// ParseIntLiteral parses a Java int literal: decimal, hex, octal or binary,
// with optional underscores, an optional L suffix, and an optional unary
// sign. Values must fit in 32 bits; hex, octal and binary literals may use
// the full unsigned range as two's complement, as in Java.
func ParseIntLiteral(text string) (int, error) {
	s := stripSpace(text)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = s[1 : len(s)-1]
	}
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	s = strings.TrimRight(s, "lL")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return 0, errNotIntLiteral
	}
	for _, c := range s {
		if !unicode.IsDigit(c) && !strings.ContainsRune("xXbBoOabcdefABCDEF", c) {
			return 0, errNotIntLiteral
		}
	}

	decimal := !(len(s) > 1 && s[0] == '0')
	if !decimal && (s[1] != 'x' && s[1] != 'X' && s[1] != 'b' && s[1] != 'B') {
		// Java octal is a bare leading zero.
		s = "0o" + s[1:]
	}
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errNotIntLiteral
	}

	if decimal {
		switch {
		case !neg && u <= 1<<31-1:
			return int(u), nil
		case neg && u <= 1<<31:
			return -int(u), nil
		}
		return 0, errIntRange
	}
	if u > 1<<32-1 {
		return 0, errIntRange
	}
	v := int(int32(uint32(u)))
	if neg {
		v = -v
	}
	return v, nil
}

func parsePackage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if i := strings.Index(text, "package"); i >= 0 {
		text = text[i+len("package"):]
	}
	return stripSpace(strings.TrimSuffix(strings.TrimSpace(text), ";"))
}

// parseImport splits an import declaration into its imported name and flags.
func parseImport(text string) (name string, static, wildcard bool) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(text), ";"))
	if len(fields) > 0 && fields[0] == "import" {
		fields = fields[1:]
	}
	if len(fields) > 0 && fields[0] == "static" {
		static = true
		fields = fields[1:]
	}
	name = strings.TrimSuffix(strings.Join(fields, ""), ";")
	if n, ok := strings.CutSuffix(name, ".*"); ok {
		return n, static, true
	}
	return name, static, false
}

// binaryName converts a qualified source name to its binary form, taking the
// segments up to the first capitalized one as the package:
// com.a.Outer.Inner becomes com.a.Outer$Inner.
func binaryName(qualified string) string {
	parts := strings.Split(qualified, ".")
	k := 0
	for k < len(parts) && startsLower(parts[k]) {
		k++
	}
	if k >= len(parts)-1 {
		return qualified
	}
	return strings.Join(parts[:k+1], ".") + "$" + strings.Join(parts[k+1:], "$")
}

func simpleName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func startsLower(s string) bool {
	for _, c := range s {
		return unicode.IsLower(c)
	}
	return false
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
