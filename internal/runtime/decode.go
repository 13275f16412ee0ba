package runtime

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/risor-io/risor/object"

	"github.com/jward/spindex/internal/provider"
)

// DefaultAnnotation is the fully-qualified name of the provider annotation.
const DefaultAnnotation = "spi.ServiceProvider"

// ErrUnsupportedUnit is returned by Decode for paths that are neither a
// known source file nor an enabled archive.
var ErrUnsupportedUnit = errors.New("unsupported compilation unit")

// Decoder turns the bytes of a compilation unit into decoded types by
// running the language's decoder script and interpreting what it reports.
// Like its Runtime, a Decoder must not be shared between goroutines.
type Decoder struct {
	rt         *Runtime
	annotation string
	archives   bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithAnnotation sets the fully-qualified provider annotation name. Usages
// are matched by that name or by its simple name.
func WithAnnotation(name string) DecoderOption {
	return func(d *Decoder) {
		if name != "" {
			d.annotation = name
		}
	}
}

// WithArchives controls whether .jar and .zip units are decoded.
func WithArchives(enabled bool) DecoderOption {
	return func(d *Decoder) {
		d.archives = enabled
	}
}

// NewDecoder creates a Decoder running scripts on rt.
func NewDecoder(rt *Runtime, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		rt:         rt,
		annotation: DefaultAnnotation,
		archives:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Runtime returns the Runtime the decoder runs its scripts on.
func (d *Decoder) Runtime() *Runtime { return d.rt }

// Supports reports whether Decode accepts unitPath.
func (d *Decoder) Supports(unitPath string) bool {
	_, ok := UnitKindForFile(unitPath, d.archives)
	return ok
}

// Decode decodes the unit at unitPath whose content is src. Every type
// declared in the unit is returned, providers or not, in declaration order;
// archive entries are visited in name order.
func (d *Decoder) Decode(ctx context.Context, unitPath string, src []byte) ([]provider.Type, error) {
	kind, ok := UnitKindForFile(unitPath, d.archives)
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", unitPath, ErrUnsupportedUnit)
	}
	if kind == UnitArchive {
		return d.decodeArchive(ctx, unitPath, src)
	}
	lang, _ := LanguageForFile(unitPath)
	types, err := d.decodeSource(ctx, lang, unitPath, src)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", unitPath, err)
	}
	return types, nil
}

func (d *Decoder) decodeArchive(ctx context.Context, unitPath string, src []byte) ([]provider.Type, error) {
	zr, err := zip.NewReader(bytes.NewReader(src), int64(len(src)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: open archive: %w", unitPath, err)
	}

	entries := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if _, ok := LanguageForFile(f.Name); ok {
			entries = append(entries, f)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	if len(entries) == 0 {
		// Compiled classes are not read; only bundled sources are decoded.
		d.rt.logger.Debug("archive has no decodable entries", "unit", unitPath, "files", len(zr.File))
		return nil, nil
	}

	var types []provider.Type
	for _, f := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s!/%s: %w", unitPath, f.Name, err)
		}
		lang, _ := LanguageForFile(f.Name)
		entryTypes, err := d.decodeSource(ctx, lang, unitPath+"!/"+path.Clean(f.Name), data)
		if err != nil {
			return nil, fmt.Errorf("decode %s!/%s: %w", unitPath, f.Name, err)
		}
		types = append(types, entryTypes...)
	}
	return types, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (d *Decoder) decodeSource(ctx context.Context, lang, label string, src []byte) ([]provider.Type, error) {
	var out []map[string]object.Object
	extras := map[string]any{
		"source": string(src),
		"emit":   makeEmitFn(&out),
	}
	if err := d.rt.RunScript(ctx, DecodeScriptPath(lang), extras); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decoder script emitted %d results, want 1", len(out))
	}

	unit, err := parseUnitInfo(out[0])
	if err != nil {
		return nil, fmt.Errorf("decoder script result: %w", err)
	}
	if unit.HasError {
		d.rt.logger.Warn("syntax errors in unit, decoding what parsed", "unit", label)
	}
	return newResolver(unit, d.annotation).types(), nil
}

// --- Script result shapes ---

type unitInfo struct {
	Package   string
	Imports   []string
	Types     []typeInfo
	Constants []constInfo
	HasError  bool
}

// constInfo is a static final field with an initializer. Owner is the
// declaring type's name relative to the package, nested parts joined by $.
type constInfo struct {
	Owner string
	Name  string
	Value string
}

type typeInfo struct {
	Name           string
	Kind           string
	ImplicitPublic bool
	Modifiers      []string
	Annotations    []annotationInfo
}

type annotationInfo struct {
	Name string
	Args []argInfo
}

type argInfo struct {
	Key    string
	Array  bool
	Values []string
}

func parseUnitInfo(m map[string]object.Object) (unitInfo, error) {
	var u unitInfo
	var err error
	if u.Package, err = getString(m, "package"); err != nil {
		return u, err
	}
	if u.Imports, err = getStrings(m, "imports"); err != nil {
		return u, err
	}
	u.HasError = getBool(m, "has_error")

	rawTypes, err := getList(m, "types")
	if err != nil {
		return u, err
	}
	for i, raw := range rawTypes {
		tm, err := extractMap(raw)
		if err != nil {
			return u, fmt.Errorf("types[%d]: %w", i, err)
		}
		t, err := parseTypeInfo(tm)
		if err != nil {
			return u, fmt.Errorf("types[%d]: %w", i, err)
		}
		u.Types = append(u.Types, t)
	}

	rawConsts, err := getList(m, "constants")
	if err != nil {
		return u, err
	}
	for i, raw := range rawConsts {
		cm, err := extractMap(raw)
		if err != nil {
			return u, fmt.Errorf("constants[%d]: %w", i, err)
		}
		var c constInfo
		if c.Owner, err = getString(cm, "owner"); err != nil {
			return u, err
		}
		if c.Name, err = getString(cm, "name"); err != nil {
			return u, err
		}
		if c.Value, err = getString(cm, "value"); err != nil {
			return u, err
		}
		u.Constants = append(u.Constants, c)
	}
	return u, nil
}

func parseTypeInfo(m map[string]object.Object) (typeInfo, error) {
	var t typeInfo
	var err error
	if t.Name, err = getString(m, "name"); err != nil {
		return t, err
	}
	if t.Kind, err = getString(m, "kind"); err != nil {
		return t, err
	}
	t.ImplicitPublic = getBool(m, "implicit_public")
	if t.Modifiers, err = getStrings(m, "modifiers"); err != nil {
		return t, err
	}

	rawAnns, err := getList(m, "annotations")
	if err != nil {
		return t, err
	}
	for _, raw := range rawAnns {
		am, err := extractMap(raw)
		if err != nil {
			return t, fmt.Errorf("annotation: %w", err)
		}
		var a annotationInfo
		if a.Name, err = getString(am, "name"); err != nil {
			return t, err
		}
		rawArgs, err := getList(am, "args")
		if err != nil {
			return t, err
		}
		for _, rawArg := range rawArgs {
			arg, err := extractMap(rawArg)
			if err != nil {
				return t, fmt.Errorf("annotation %s: %w", a.Name, err)
			}
			ai := argInfo{Array: getBool(arg, "array")}
			if ai.Key, err = getString(arg, "key"); err != nil {
				return t, err
			}
			if ai.Values, err = getStrings(arg, "values"); err != nil {
				return t, err
			}
			a.Args = append(a.Args, ai)
		}
		t.Annotations = append(t.Annotations, a)
	}
	return t, nil
}

// --- Map extraction helpers ---

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == object.Nil {
		return "", nil
	}
	s, ok := v.(*object.String)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %s", key, v.Type())
	}
	return s.Value(), nil
}

func getBool(m map[string]object.Object, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	if b, ok := v.(*object.Bool); ok {
		return b.Value()
	}
	return false
}

func getList(m map[string]object.Object, key string) ([]object.Object, error) {
	v, ok := m[key]
	if !ok || v == object.Nil {
		return nil, nil
	}
	l, ok := v.(*object.List)
	if !ok {
		return nil, fmt.Errorf("field %q: expected list, got %s", key, v.Type())
	}
	return l.Value(), nil
}

func getStrings(m map[string]object.Object, key string) ([]string, error) {
	list, err := getList(m, key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for i, v := range list {
		s, ok := v.(*object.String)
		if !ok {
			return nil, fmt.Errorf("field %q[%d]: expected string, got %s", key, i, v.Type())
		}
		out = append(out, s.Value())
	}
	return out, nil
}
