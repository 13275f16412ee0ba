// Package spindex builds a service-provider registry from annotated Java
// sources and archives, and keeps it current across repeated build passes.
//
// # Pipeline
//
// Each pass runs four steps:
//
//  1. Discover: enumerate the compilation units (.java files, and .jar/.zip
//     archives whose .java entries are decoded as one unit) and compare their
//     content hashes with the previous pass. Compiled .class entries are not
//     read, so an archive holding only classes declares nothing.
//
//  2. Decode: for each added or changed unit, parse it with tree-sitter and
//     run the language's Risor decoder script, which reports every declared
//     type with its modifiers and annotations. A service written as a
//     simple name that only an on-demand import (import a.b.*) can supply is
//     resolved against the types declared across the whole input set; a
//     name no known type matches, or that several imports match, makes the
//     declaration malformed.
//
//  3. Index: extract a provider descriptor from each type carrying the
//     provider annotation and apply the pass to the incremental index, which
//     tracks which unit contributed which providers. When two units declare
//     the same provider class the newer declaration is live and the older one
//     is kept behind it, live again once the newer one goes away. Units that
//     disappear without an explicit removal are reconciled away.
//
//  4. Aggregate: fold the live descriptors into per-service provider lists,
//     ordered by priority (highest first, ties in discovery order), and
//     materialize them into a registry when the registry host type is
//     present.
//
// # Usage
//
//	e, err := spindex.New(".spindex/index.db", "", spindex.WithScriptsFS(scripts.FS))
//	if err != nil { ... }
//	defer e.Close()
//
//	report, err := e.IndexDirectory(ctx, "path/to/project")
//	if spindex.IsMalformed(err) { ... }
//
//	q := e.Query()
//	providers := q.Providers("com.example.Greeter")
//	reg, ok := q.Registry()
//
// # Incremental Indexing
//
// The Engine persists units and their descriptors in SQLite and restores
// them on start, so unchanged units are never decoded again. A change to the
// decoder scripts or to the decode options forces a full pass. An Engine is
// not safe for concurrent use; decoding inside a pass runs on a worker pool
// (see [WithParallel]).
//
// # Priorities
//
// A priority is an int literal, a java.lang MIN_VALUE or MAX_VALUE constant
// such as Integer.MAX_VALUE, or a static final int field declared in the same
// unit, named simply or through its declaring type. Constants of other units
// and static imports are not folded; such a priority makes the declaration
// malformed.
//
// # Scripts
//
// Language-specific decoding lives in Risor scripts:
//
//   - scripts/decode/{language}.risor: decoder scripts
//
// Scripts receive tree-sitter objects via host functions (parse, parse_src,
// query, node_text, node_child) and hand their result back through emit. See the internal/runtime package for the full set
// of globals exposed to scripts.
package spindex
