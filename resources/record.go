package resources

import (
	"sort"
	"strings"

	"github.com/starpack/starpack/errors"
)

// PayloadKind identifies the primary loadable content of a record.
type PayloadKind uint8

const (
	// PayloadNone marks a record whose loadable content is interpreted
	// code (or no content at all, for namespace-only packages).
	PayloadNone PayloadKind = iota

	// PayloadWASM marks a compiled WebAssembly extension module image.
	// WASM images load directly from memory.
	PayloadWASM

	// PayloadSharedObject marks a host-native shared library image.
	// Shared objects require the temp-file loading strategy because the
	// platform loader only accepts paths.
	PayloadSharedObject
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadWASM:
		return "wasm"
	case PayloadSharedObject:
		return "shared-object"
	default:
		return "unknown"
	}
}

// Record identifies one importable unit: a module, package, native
// extension, or bundle of non-code resources.
//
// Records are immutable after construction. Byte fields are read-only
// views into the backing buffer of the source that produced them; they
// remain valid only while that source is alive.
type Record struct {
	// Name is the dotted module path, unique within an index.
	Name string

	// IsPackage reports whether the record is a package (contributes a
	// virtual search path for submodules).
	IsPackage bool

	// Code holds a serialized compiled program, nil when absent.
	Code []byte

	// Source holds the original module text for introspection, nil when
	// absent. A record with Source but no Code is compiled on first load.
	Source []byte

	// Payload holds a native extension image, nil when PayloadKind is
	// PayloadNone.
	Payload []byte

	// PayloadKind tags the payload's loading strategy.
	PayloadKind PayloadKind

	// Dependencies lists shared-library names that must be loaded before
	// the payload, in order.
	Dependencies []string

	// Origin is a synthetic string identifying the packed source that
	// produced the record, in place of a filesystem path.
	Origin string

	resourceNames []string
	readResource  func(name string) ([]byte, error)
}

// HasCode reports whether the record carries loadable interpreted code,
// either compiled or as source text.
func (r *Record) HasCode() bool {
	return r.Code != nil || r.Source != nil
}

// ResourceNames returns the relative names of non-code resource files
// bundled with the record, sorted.
func (r *Record) ResourceNames() []string {
	return r.resourceNames
}

// ReadResource returns the content of a bundled resource file. Retrieval
// may be deferred by the owning source until this call. Absence is
// reported as a not-found error, checkable with errors.IsNotFound.
func (r *Record) ReadResource(name string) ([]byte, error) {
	if r.readResource == nil {
		return nil, errors.NotFound(errors.PhaseIndex, "resource", r.Name+"/"+name)
	}
	return r.readResource(name)
}

// Validate checks the record's structural invariants: a non-empty dotted
// name, at most one primary loadable content, and no packaged native
// extensions.
func (r *Record) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.PayloadKind != PayloadNone {
		if r.Payload == nil {
			return errors.InvalidRecord(errors.PhaseIndex, r.Name, "payload kind set without payload bytes")
		}
		if r.Code != nil {
			return errors.InvalidRecord(errors.PhaseIndex, r.Name, "record has both code and native payload")
		}
		if r.IsPackage {
			return errors.InvalidRecord(errors.PhaseIndex, r.Name, "native extension record cannot be a package")
		}
	} else if r.Payload != nil {
		return errors.InvalidRecord(errors.PhaseIndex, r.Name, "payload bytes without payload kind")
	}
	return nil
}

// Leaf returns the last segment of the record's dotted name.
func (r *Record) Leaf() string {
	if i := strings.LastIndexByte(r.Name, '.'); i >= 0 {
		return r.Name[i+1:]
	}
	return r.Name
}

// Parent returns the dotted name of the record's parent package, or ""
// for a top-level name.
func (r *Record) Parent() string {
	if i := strings.LastIndexByte(r.Name, '.'); i >= 0 {
		return r.Name[:i]
	}
	return ""
}

// ValidateName checks that name is a well-formed dotted module path.
func ValidateName(name string) error {
	if name == "" {
		return &errors.Error{Phase: errors.PhaseIndex, Kind: errors.KindInvalidName, Detail: "empty module name"}
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return &errors.Error{Phase: errors.PhaseIndex, Kind: errors.KindInvalidName, Name: name, Detail: "empty name segment"}
		}
		if strings.ContainsAny(seg, "/\\") {
			return &errors.Error{Phase: errors.PhaseIndex, Kind: errors.KindInvalidName, Name: name, Detail: "path separator in name segment"}
		}
	}
	return nil
}

// Source is a backend that owns a set of resource records.
//
// Implementations may defer expensive work (decompression, file reads)
// until a record or resource is actually requested. All methods must be
// safe for concurrent use once the source is constructed.
type Source interface {
	// Label identifies the source in origins and logs.
	Label() string

	// Resolve returns the record for a dotted module name, or a
	// not-found error (errors.IsNotFound) when the source does not own
	// the name. Absence is an expected outcome, never fatal.
	Resolve(name string) (*Record, error)

	// Names returns every module name the source owns, sorted.
	Names() []string

	// Close releases backing buffers and caches. Records produced by
	// the source must not be used after Close.
	Close() error
}

func sortedNames(set map[string]*Record) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
