package resources

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/starpack/starpack/errors"
)

// Index merges one or more record sources under an explicit precedence
// order. Name lookups walk sources from highest to lowest precedence and
// return the first match; partial fields are never merged across sources.
//
// Sources are registered at embedding time. After that the index is
// read-only (aside from lazy caches inside sources) and safe for
// concurrent readers.
type Index struct {
	mu      sync.RWMutex
	sources []rankedSource
	closed  bool
}

type rankedSource struct {
	src        Source
	precedence int
	seq        int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{}
}

// RegisterSource adds a source with an explicit precedence. Higher
// precedence wins name conflicts; among equal precedences the earlier
// registration wins. Registration order alone never decides a conflict
// between distinct precedence values.
func (x *Index) RegisterSource(src Source, precedence int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.sources = append(x.sources, rankedSource{src: src, precedence: precedence, seq: len(x.sources)})
	sort.SliceStable(x.sources, func(i, j int) bool {
		if x.sources[i].precedence != x.sources[j].precedence {
			return x.sources[i].precedence > x.sources[j].precedence
		}
		return x.sources[i].seq < x.sources[j].seq
	})
}

func (x *Index) ranked() ([]rankedSource, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, errors.Closed(errors.PhaseIndex, "resource index")
	}
	out := make([]rankedSource, len(x.sources))
	copy(out, x.sources)
	return out, nil
}

// Resolve returns the record for name from the highest-precedence source
// that owns it. Absence is reported as a not-found error, checkable with
// errors.IsNotFound; any other error from a source aborts the lookup.
func (x *Index) Resolve(name string) (*Record, error) {
	sources, err := x.ranked()
	if err != nil {
		return nil, err
	}
	for _, rs := range sources {
		rec, err := rs.src.Resolve(name)
		if err == nil {
			return rec, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, errors.NotFound(errors.PhaseIndex, "module", name)
}

// Names returns every module name across all sources, sorted, with
// lower-precedence duplicates invisible.
func (x *Index) Names() []string {
	sources, err := x.ranked()
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, rs := range sources {
		for _, name := range rs.src.Names() {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Submodules returns the direct children of a package, sorted. Used for
// package-introspection queries.
func (x *Index) Submodules(pkg string) []string {
	prefix := pkg + "."
	if pkg == "" {
		prefix = ""
	}
	var out []string
	for _, name := range x.Names() {
		if !strings.HasPrefix(name, prefix) || name == pkg {
			continue
		}
		rest := name[len(prefix):]
		if strings.IndexByte(rest, '.') >= 0 {
			continue
		}
		out = append(out, name)
	}
	return out
}

// ListResources returns the relative names of non-code resources bundled
// under a package, from the source that owns the package.
func (x *Index) ListResources(pkg string) ([]string, error) {
	rec, err := x.Resolve(pkg)
	if err != nil {
		return nil, err
	}
	return rec.ResourceNames(), nil
}

// OpenResource opens a bundled resource as a byte stream.
func (x *Index) OpenResource(pkg, name string) (io.ReadCloser, error) {
	rec, err := x.Resolve(pkg)
	if err != nil {
		return nil, err
	}
	data, err := rec.ReadResource(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Close closes every registered source. Records resolved through the
// index must not be used afterwards.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	var first error
	for _, rs := range x.sources {
		if err := rs.src.Close(); err != nil && first == nil {
			first = err
		}
	}
	x.sources = nil
	return first
}
