package importer

import (
	"sync"
)

// moduleCache memoizes load outcomes per module name for the lifetime of
// the importer. It provides single-flight semantics: a name is marked
// executing before its code runs, a terminal success is never re-executed
// and a terminal failure re-raises the recorded error deterministically.
//
// The mutex only guards the map and entry transitions; it is never held
// while module code executes, so reentrant loads (circular imports) reach
// the executing entry instead of deadlocking.
type moduleCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	state  State
	module *Module
	err    error
}

func newModuleCache() *moduleCache {
	return &moduleCache{entries: make(map[string]*cacheEntry)}
}

// begin returns the existing entry for name, or marks name as executing
// with the given module handle and reports began=true. Callers that
// began the load must complete it with finish or fail.
func (c *moduleCache) begin(name string, mod *Module) (entry *cacheEntry, began bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		return e, false
	}
	e := &cacheEntry{state: StateExecuting, module: mod}
	c.entries[name] = e
	return e, true
}

// finish transitions an executing entry to loaded.
func (c *moduleCache) finish(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok && e.state == StateExecuting {
		e.state = StateLoaded
	}
}

// fail records a terminal failure for name. The partially-initialized
// module handle is discarded; later loads re-raise err without
// re-executing.
func (c *moduleCache) fail(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok && e.state == StateExecuting {
		e.state = StateFailed
		e.module = nil
		e.err = err
	}
}

// lookup returns the entry for name without creating one.
func (c *moduleCache) lookup(name string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return e, ok
}

// snapshot returns the current state for name, StateNotStarted when the
// name has never been loaded.
func (c *moduleCache) snapshot(name string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		return e.state
	}
	return StateNotStarted
}
