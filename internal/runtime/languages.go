package runtime

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
)

// UnitKind says how a compilation unit's bytes are laid out.
type UnitKind uint8

const (
	// UnitSource is a single source file.
	UnitSource UnitKind = iota + 1
	// UnitArchive is a zip-format archive of source files.
	UnitArchive
)

// extToLanguage maps source file extensions to canonical language names.
var extToLanguage = map[string]string{
	".java": "java",
}

// archiveExts lists extensions decoded as archives of sources.
var archiveExts = map[string]bool{
	".jar": true,
	".zip": true,
}

// langToGrammar maps language names to tree-sitter Language objects.
// Lazily initialized on first call via sync.Once.
var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			"java": java.GetLanguage(),
		}
	})
}

// LanguageForFile returns the canonical language name for a file path based
// on its extension. Returns ("", false) if the extension is not recognized.
func LanguageForFile(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := extToLanguage[ext]
	return lang, ok
}

// UnitKindForFile classifies path as a source file, an archive, or neither
// (0, false). Archives are only reported when archives is true.
func UnitKindForFile(path string, archives bool) (UnitKind, bool) {
	if _, ok := LanguageForFile(path); ok {
		return UnitSource, true
	}
	if archives && archiveExts[strings.ToLower(filepath.Ext(path))] {
		return UnitArchive, true
	}
	return 0, false
}

// ParserForLanguage returns the tree-sitter Language for a canonical language
// name. Returns (nil, false) if the language is not supported.
func ParserForLanguage(lang string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := langToGrammar[lang]
	return l, ok
}
