// Package importer implements the two-phase import protocol over a
// resource index.
//
// # Protocol
//
// The host runtime asks the importer to resolve a module in two steps:
//
//	spec, err := imp.Find("pkg.mod")   // nil spec means "not found,
//	                                   // try the next finder"
//	mod, err := imp.Load(ctx, thread, "pkg.mod")
//
// Load walks the states NotStarted -> Resolving -> Executing ->
// {Loaded, Failed}. Successful loads are memoized for the importer's
// lifetime and never re-executed; failed loads re-raise the recorded
// error deterministically on every later attempt.
//
// # Circular imports
//
// A module whose code loads a name that is already executing receives
// that module's current, possibly incomplete namespace instead of
// recursing. The starlark engine publishes globals when a program
// finishes, so the reentrant handle usually observes an empty namespace;
// the cycle terminates with a missing-symbol error instead of infinite
// recursion or a deadlock.
//
// # Starlark integration
//
// Loader adapts the importer to starlark's Thread.Load hook, so load
// statements inside packed modules resolve through the same cache:
//
//	thread := &starlark.Thread{Name: "main", Load: imp.Loader(ctx)}
//	globals, err := starlark.ExecFile(thread, "main.star", src, nil)
//
// Module code sees three synthetic predeclared bindings - __name__,
// __package__ and __origin__ - identifying the packed source rather
// than a filesystem path.
//
// # Concurrency
//
// The cache is guarded by a mutex that is never held during module
// execution. The importer assumes the host serializes find/load calls
// for the same name, as the import machinery of the host runtime does
// under its execution lock; concurrent loads of distinct names are safe.
package importer
