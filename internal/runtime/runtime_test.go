package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/charmbracelet/log"
	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const javaTestSource = `package com.example.impl;

import com.example.api.Greeter;

public class EnglishGreeter implements Greeter {
    private final String name;

    public String greet() {
        return "Hello, " + name;
    }

    public static class Loud {
        void shout() {}
    }
}

interface Hidden {}
`

// parseJavaSource is a test helper that parses Java source using tree-sitter
// directly and registers it in a Runtime's source store.
func parseJavaSource(t *testing.T, src string) (*sitter.Tree, *Runtime) {
	t.Helper()

	rt := NewRuntime("")

	lang, ok := ParserForLanguage("java")
	if !ok {
		t.Fatal("java language not found")
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(src))
	if err != nil {
		t.Fatalf("tree-sitter parse: %v", err)
	}

	rt.sources.store(tree, []byte(src), lang)

	return tree, rt
}

// --- Language detection tests ---

func TestLanguageForFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"App.java", "java", true},
		{"path/to/App.JAVA", "java", true}, // case insensitive
		{"App.kt", "", false},
		{"core.jar", "", false},
		{"Makefile", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			got, ok := LanguageForFile(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnitKindForFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		archives bool
		want     UnitKind
		ok       bool
	}{
		{"A.java", false, UnitSource, true},
		{"A.java", true, UnitSource, true},
		{"libs/core.jar", true, UnitArchive, true},
		{"libs/src.ZIP", true, UnitArchive, true},
		{"libs/core.jar", false, 0, false},
		{"README.md", true, 0, false},
	}
	for _, tt := range tests {
		got, ok := UnitKindForFile(tt.path, tt.archives)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestParserForLanguage(t *testing.T) {
	t.Parallel()

	l, ok := ParserForLanguage("java")
	require.True(t, ok)
	require.NotNil(t, l)

	_, ok = ParserForLanguage("cobol")
	assert.False(t, ok)
}

// --- Tree and node tests ---

func TestParse_RootNodeType(t *testing.T) {
	tree, _ := parseJavaSource(t, javaTestSource)
	defer tree.Close()

	root := tree.RootNode()
	require.NotNil(t, root)
	assert.Equal(t, "program", root.Type())
	assert.False(t, root.HasError())
}

func TestParse_InvalidSourceStillReturnsTree(t *testing.T) {
	tree, _ := parseJavaSource(t, "public class { }{}{")
	defer tree.Close()

	root := tree.RootNode()
	require.NotNil(t, root)
	assert.True(t, root.HasError())
}

func TestNode_ChildByFieldName(t *testing.T) {
	tree, rt := parseJavaSource(t, javaTestSource)
	defer tree.Close()

	root := tree.RootNode()
	var classDecl *sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "class_declaration" {
			classDecl = child
			break
		}
	}
	require.NotNil(t, classDecl, "no class_declaration found")

	nameNode := classDecl.ChildByFieldName("name")
	require.NotNil(t, nameNode)
	src, ok := rt.sources.sourceForNode(nameNode)
	require.True(t, ok)
	assert.Equal(t, "EnglishGreeter", nameNode.Content(src))
}

func TestSourceStore_Reset(t *testing.T) {
	tree, rt := parseJavaSource(t, javaTestSource)
	root := tree.RootNode()

	_, ok := rt.sources.sourceForNode(root)
	require.True(t, ok)

	rt.sources.reset()
	assert.Empty(t, rt.sources.sources)
	assert.Empty(t, rt.sources.langs)
	assert.Empty(t, rt.sources.trees)
}

// --- Risor integration tests (via RunSource) ---

func TestRunSource_ParseAndNodeText(t *testing.T) {
	dir := t.TempDir()
	javaFile := filepath.Join(dir, "EnglishGreeter.java")
	require.NoError(t, os.WriteFile(javaFile, []byte(javaTestSource), 0644))

	rt := NewRuntime("")

	script := `
tree := parse(test_file, "java")
root := tree.RootNode()

assert(root.Type() == "program", "expected program")

names := []
count := int(root.NamedChildCount())
for i := 0; i < count; i++ {
    child := root.NamedChild(i)
    if child.Type() == "class_declaration" || child.Type() == "interface_declaration" {
        names.append(node_text(node_child(child, "name")))
    }
}
assert(len(names) == 2, 'expected 2 types, got {len(names)}')
assert(names[0] == "EnglishGreeter", 'expected EnglishGreeter, got {names[0]}')
assert(names[1] == "Hidden", 'expected Hidden, got {names[1]}')
`
	err := rt.RunSource(context.Background(), script, map[string]any{
		"test_file": javaFile,
	})
	require.NoError(t, err)
}

func TestRunSource_QueryHostFunction(t *testing.T) {
	rt := NewRuntime("")

	script := `
tree := parse_src(src, "java")
root := tree.RootNode()

matches := query("(method_declaration name: (identifier) @name)", root)
assert(len(matches) == 2, 'expected 2 matches, got {len(matches)}')
assert(node_text(matches[0]["name"]) == "greet", "expected greet")
assert(node_text(matches[1]["name"]) == "shout", "expected shout")

none := query("(enum_declaration name: (identifier) @name)", root)
assert(len(none) == 0, 'expected 0 matches, got {len(none)}')
`
	err := rt.RunSource(context.Background(), script, map[string]any{"src": javaTestSource})
	require.NoError(t, err)
}

func TestRunSource_QueryInvalidPattern(t *testing.T) {
	rt := NewRuntime("")

	script := `
tree := parse_src(src, "java")
query("(not_a_real_node_type @x)", tree.RootNode())
`
	err := rt.RunSource(context.Background(), script, map[string]any{"src": javaTestSource})
	assert.Error(t, err)
}

func TestRunSource_NodeChildReturnsNil(t *testing.T) {
	rt := NewRuntime("")

	script := `
tree := parse_src(src, "java")
root := tree.RootNode()
assert(node_child(root, "no_such_field") == nil, "expected nil")
`
	err := rt.RunSource(context.Background(), script, map[string]any{"src": javaTestSource})
	require.NoError(t, err)
}

func TestRunSource_ParseUnsupportedLanguage(t *testing.T) {
	rt := NewRuntime("")
	err := rt.RunSource(context.Background(), `parse_src("x", "cobol")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestRunSource_LogGoesToLogger(t *testing.T) {
	var buf bytes.Buffer
	rt := NewRuntime("", WithRuntimeLogger(log.New(&buf)))

	err := rt.RunSource(context.Background(), `log.Warn("careful")`, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "careful")
}

func TestRunSource_Emit(t *testing.T) {
	rt := NewRuntime("")

	var out []map[string]object.Object
	script := `
r := {}
r["name"] = "x"
emit(r)
`
	err := rt.RunSource(context.Background(), script, map[string]any{"emit": makeEmitFn(&out)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	name, err := getString(out[0], "name")
	require.NoError(t, err)
	assert.Equal(t, "x", name)
}

func TestRunSource_EmitRejectsNonMap(t *testing.T) {
	rt := NewRuntime("")

	var out []map[string]object.Object
	err := rt.RunSource(context.Background(), `emit("nope")`, map[string]any{"emit": makeEmitFn(&out)})
	assert.Error(t, err)
	assert.Empty(t, out)
}

func TestRunScript_LoadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(`result := 1 + 1`), 0644))

	rt := NewRuntime(dir)
	require.NoError(t, rt.RunScript(context.Background(), "test.risor", nil))
}

func TestRunScript_MissingFile(t *testing.T) {
	rt := NewRuntime(t.TempDir())
	err := rt.RunScript(context.Background(), "nonexistent.risor", nil)
	assert.Error(t, err)
}

func TestDecodeScriptPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filepath.Join("decode", "java.risor"), DecodeScriptPath("java"))
}

// --- fs.FS-based script loading tests ---

func TestLoadScript_FromFSFS(t *testing.T) {
	t.Parallel()

	content := `x := 42`
	mapFS := fstest.MapFS{
		"decode/java.risor": &fstest.MapFile{Data: []byte(content)},
	}

	rt := NewRuntime("", WithRuntimeFS(mapFS))

	got, err := rt.LoadScript("decode/java.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Absolute-style path should be resolved within the FS.
	got, err = rt.LoadScript("/decode/java.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLoadScript_FromFSFS_NotFound(t *testing.T) {
	t.Parallel()

	rt := NewRuntime("", WithRuntimeFS(fstest.MapFS{}))

	_, err := rt.LoadScript("nonexistent.risor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from fs")
}

func TestLoadScript_FallsBackToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `z := 7`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(content), 0644))

	rt := NewRuntime(dir)

	got, err := rt.LoadScript("test.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// --- Importer wiring tests ---

func TestImport_FSImporter(t *testing.T) {
	mapFS := fstest.MapFS{
		"java_names.risor": &fstest.MapFile{Data: []byte(`
func binary(outer, inner) {
	return outer + "$" + inner
}
`)},
	}

	rt := NewRuntime("", WithRuntimeFS(mapFS))

	script := `
import java_names

name := java_names.binary("Outer", "Inner")
assert(name == "Outer$Inner", 'expected Outer$Inner, got ' + name)
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestImport_GlobalsAvailableInImportedModules(t *testing.T) {
	// Imported modules can reference host-provided globals such as log.
	mapFS := fstest.MapFS{
		"helper.risor": &fstest.MapFile{Data: []byte(`
func do_log(msg) {
	log.Info(msg)
}
`)},
	}

	rt := NewRuntime("", WithRuntimeFS(mapFS))

	script := `
import helper
helper.do_log("test message")
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}
