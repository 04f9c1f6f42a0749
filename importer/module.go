package importer

import (
	"go.starlark.net/starlark"
)

// State tracks one module through the two-phase import protocol.
type State uint8

const (
	StateNotStarted State = iota
	StateResolving
	StateFound
	StateNotFound
	StateExecuting
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateResolving:
		return "resolving"
	case StateFound:
		return "found"
	case StateNotFound:
		return "not-found"
	case StateExecuting:
		return "executing"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Module is the materialized handle for a loaded (or loading) module.
//
// Globals is created empty when execution begins and filled in place
// when it completes, so a handle obtained during a circular import
// observes the same dictionary without blocking or recursing.
type Module struct {
	Name      string
	Origin    string
	IsPackage bool
	Globals   starlark.StringDict
}

// Spec describes a found module before it is loaded: the "find" half of
// the import protocol.
type Spec struct {
	Name      string
	Origin    string
	IsPackage bool

	// SearchPath is the package's virtual search-path contribution,
	// derived from the packed namespace rather than a filesystem
	// directory. Empty for plain modules.
	SearchPath []string
}
