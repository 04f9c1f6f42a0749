// Package starpack loads Starlark modules and native extensions from
// packed resource collections instead of a directory tree.
//
// A program embedding starpack describes where its modules live (a
// packed binary blob, a zip archive, a plain file tree), builds a Host
// over those sources, and from then on every load statement resolves
// through an in-memory index with no per-import filesystem probing.
//
// # Architecture Overview
//
// The library is organized into packages with distinct responsibilities:
//
//	starpack/            Root package with the embedding Host facade
//	├── resources/       Resource records, backends and the precedence index
//	├── importer/        Find/load protocol with single-flight module caching
//	├── extension/       Native extension loading (memory and temp-file)
//	└── errors/          Structured error types shared across the library
//
// # Quick Start
//
// Load modules from a packed blob:
//
//	src, err := resources.NewBlobSource(blob)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	host, err := starpack.NewHost(ctx, starpack.Config{
//	    Sources: []starpack.SourceConfig{{Source: src}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close(ctx)
//
//	mod, err := host.Load(ctx, "app.main")
//	fmt.Println(mod.Globals["greeting"])
//
// Scripts executed through host.ExecSource resolve their load
// statements the same way, so a top-level entry script and the packed
// modules it imports share one module cache.
//
// # Sources and Precedence
//
// A Host can layer several sources: register each with a precedence and
// the index resolves every name against the highest-precedence source
// that defines it. This is how an application overlays patched modules
// on top of a base collection without rebuilding it.
//
// # Native Extensions
//
// Records carrying a native payload load through the extension
// subsystem rather than the Starlark interpreter. WASM payloads
// instantiate directly from their in-memory byte view; shared-object
// payloads fall back to staging a guarded temporary file for the
// platform loader. Either way the image's exported functions appear as
// callables in the importing module's namespace.
//
// # Thread Safety
//
// Host, Index, Importer and the extension Loader are safe for
// concurrent use. Concurrent loads of the same module coalesce: the
// module executes once and every caller observes the same handle.
package starpack
