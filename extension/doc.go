// Package extension loads compiled native extension modules from packed
// payloads instead of files on disk.
//
// # Strategies
//
// Two strategies, selected by payload kind:
//
//   - Memory: WebAssembly images instantiate directly from their byte
//     view via wazero. The image registers in the runtime under its
//     dotted module name and its init entry point (pack_init_<leaf>)
//     runs once, after which the handle is live.
//   - Temp file: host-native shared objects cannot be mapped from
//     memory by the platform loader, so the payload is staged to a
//     uniquely named temporary file with owner-only permissions and
//     loaded through the path-based loader, entry point
//     PackInit<Leaf>. The file is removed best-effort at teardown.
//
// # Dependencies
//
// A record's shared-library dependencies load fully before its own init
// runs, recursively. A dependency already loaded reuses its handle; one
// absent from the index is assumed externally provided; a dependency
// cycle is skipped rather than recursed into. Subscribe an Observer to
// see the resulting load-order trace.
//
// # Lifetime
//
// Handles are created once per name and live until Loader.Close at
// process teardown; an image that has registered callbacks into the
// host runtime cannot be torn down safely earlier. A failed load
// registers no handle.
package extension
