package extension

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/resources"
)

// Strategy identifies how a native payload was loaded.
type Strategy uint8

const (
	// StrategyMemory instantiates the payload directly from its byte
	// view, no file involved.
	StrategyMemory Strategy = iota

	// StrategyTempFile stages the payload to a guarded temporary file
	// and invokes the platform's path-based loader against it.
	StrategyTempFile
)

func (s Strategy) String() string {
	if s == StrategyTempFile {
		return "temp-file"
	}
	return "memory"
}

// Handle represents one loaded native extension image. A handle is
// created on the first successful load of a payload and reused for every
// later request with the same name; it stays alive until the loader is
// closed at process teardown, since tearing down an image that has
// registered state into the host runtime is unsafe.
type Handle struct {
	name     string
	strategy Strategy
	module   api.Module
	plug     pluginHandle
	tempPath string
}

// Name returns the extension's dotted module name.
func (h *Handle) Name() string { return h.name }

// Strategy returns how the image was loaded.
func (h *Handle) Strategy() Strategy { return h.strategy }

// ExportedFunctions lists the image's exported function names, sorted.
// Empty for temp-file handles, whose symbols are reached via Lookup.
func (h *Handle) ExportedFunctions() []string {
	if h.module == nil {
		return nil
	}
	defs := h.module.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes an exported function on a memory-strategy handle.
func (h *Handle) Call(ctx context.Context, fn string, params ...uint64) ([]uint64, error) {
	if h.module == nil {
		return nil, errors.NotFound(errors.PhaseExtension, "function", fn)
	}
	f := h.module.ExportedFunction(fn)
	if f == nil {
		return nil, errors.NotFound(errors.PhaseExtension, "function", h.name+"."+fn)
	}
	return f.Call(ctx, params...)
}

// Lookup resolves a symbol on a temp-file handle.
func (h *Handle) Lookup(symbol string) (any, error) {
	if h.plug == nil {
		return nil, errors.NotFound(errors.PhaseExtension, "symbol", symbol)
	}
	return h.plug.Lookup(symbol)
}

// Config configures a Loader.
type Config struct {
	// Runtime hosts memory-strategy images. One is created (and owned)
	// by the loader when nil.
	Runtime wazero.Runtime

	// Index resolves dependency names to records. Required.
	Index *resources.Index

	// TempDir overrides the staging directory for the temp-file
	// strategy. Defaults to the system temporary directory.
	TempDir string
}

// Loader loads native extension images and owns their handles for the
// life of the process. All raw-image loading funnels through Load so the
// unsafe surface has a single audited entry point.
type Loader struct {
	runtime      wazero.Runtime
	ownedRuntime bool
	index        *resources.Index
	tempDir      string

	mu      sync.Mutex
	handles map[string]*Handle
	loading map[string]bool

	obsMu     sync.RWMutex
	observers []tracedObserver
	nextObsID uint64
}

// NewLoader creates a Loader.
func NewLoader(ctx context.Context, cfg Config) (*Loader, error) {
	if cfg.Index == nil {
		return nil, errors.New(errors.PhaseExtension, errors.KindInvalidRecord).
			Detail("extension loader requires a resource index").Build()
	}
	l := &Loader{
		runtime: cfg.Runtime,
		index:   cfg.Index,
		tempDir: cfg.TempDir,
		handles: make(map[string]*Handle),
		loading: make(map[string]bool),
	}
	if l.runtime == nil {
		l.runtime = wazero.NewRuntime(ctx)
		l.ownedRuntime = true
	}
	return l, nil
}

// Load materializes a native-extension record into a handle.
//
// Dependencies listed on the record load first, recursively; a
// dependency already loaded reuses its handle, one absent from the index
// is assumed externally provided, and one currently mid-load (a
// dependency cycle) is skipped rather than recursed into. Only after
// every dependency completes does the record's own init entry point run.
//
// A failed load registers nothing: there is no half-initialized handle
// to be reused by a later attempt.
func (l *Loader) Load(ctx context.Context, rec *resources.Record) (*Handle, error) {
	l.mu.Lock()
	if l.handles == nil {
		l.mu.Unlock()
		return nil, errors.Closed(errors.PhaseExtension, "extension loader")
	}
	if h, ok := l.handles[rec.Name]; ok {
		l.mu.Unlock()
		l.emit(Event{Name: rec.Name, Type: EventReused, Strategy: h.strategy})
		return h, nil
	}
	if l.loading[rec.Name] {
		l.mu.Unlock()
		return nil, errors.New(errors.PhaseExtension, errors.KindInvalidRecord).
			Name(rec.Name).Detail("dependency cycle during load").Build()
	}
	l.loading[rec.Name] = true
	l.mu.Unlock()

	h, err := l.load(ctx, rec)

	l.mu.Lock()
	delete(l.loading, rec.Name)
	if err == nil && l.handles != nil {
		l.handles[rec.Name] = h
	}
	l.mu.Unlock()

	if err != nil {
		l.emit(Event{Name: rec.Name, Type: EventFailed})
		return nil, err
	}
	l.emit(Event{Name: rec.Name, Type: EventLoaded, Strategy: h.strategy})
	return h, nil
}

func (l *Loader) load(ctx context.Context, rec *resources.Record) (*Handle, error) {
	if err := l.loadDependencies(ctx, rec); err != nil {
		return nil, err
	}

	switch rec.PayloadKind {
	case resources.PayloadWASM:
		return l.loadFromMemory(ctx, rec)
	case resources.PayloadSharedObject:
		return l.loadFromTempFile(rec)
	default:
		return nil, errors.InvalidRecord(errors.PhaseExtension, rec.Name, "record has no native payload")
	}
}

func (l *Loader) loadDependencies(ctx context.Context, rec *resources.Record) error {
	for _, dep := range rec.Dependencies {
		l.mu.Lock()
		_, loaded := l.handles[dep]
		inFlight := l.loading[dep]
		l.mu.Unlock()
		if loaded {
			l.emit(Event{Name: dep, Type: EventReused})
			continue
		}
		if inFlight {
			// Cycle: the dependency is an ancestor of this load. Its
			// registration is already in place, so proceed.
			Logger().Warn("dependency cycle",
				zap.String("module", rec.Name),
				zap.String("dependency", dep))
			continue
		}

		depRec, err := l.index.Resolve(dep)
		if err != nil {
			if errors.IsNotFound(err) {
				// Externally provided: the platform loader resolves it
				// by name through its own search path.
				l.emit(Event{Name: dep, Type: EventExternalDep})
				continue
			}
			return err
		}
		if depRec.PayloadKind == resources.PayloadNone {
			return errors.InvalidRecord(errors.PhaseExtension, rec.Name,
				"dependency "+dep+" is not a native extension")
		}
		if _, err := l.Load(ctx, depRec); err != nil {
			return err
		}
	}
	return nil
}

// loadFromMemory is the memory-mapped strategy: the payload instantiates
// directly from its byte view and registers in the runtime under the
// record's dotted name, so dependent images link against its exports.
func (l *Loader) loadFromMemory(ctx context.Context, rec *resources.Record) (*Handle, error) {
	compiled, err := l.runtime.CompileModule(ctx, rec.Payload)
	if err != nil {
		return nil, errors.InvalidImage(rec.Name, err)
	}

	symbol := InitSymbol(rec.Name)
	if _, ok := compiled.ExportedFunctions()[symbol]; !ok {
		_ = compiled.Close(ctx)
		return nil, errors.EntryMissing(rec.Name, symbol)
	}

	mod, err := l.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(rec.Name))
	if err != nil {
		return nil, errors.InvalidImage(rec.Name, err)
	}

	results, err := mod.ExportedFunction(symbol).Call(ctx)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, errors.InitFailed(rec.Name, err)
	}
	if len(results) > 0 && results[0] != 0 {
		_ = mod.Close(ctx)
		return nil, errors.New(errors.PhaseExtension, errors.KindInitFailed).
			Name(rec.Name).Detail("init returned %d", results[0]).Build()
	}

	Logger().Debug("extension loaded from memory",
		zap.String("module", rec.Name),
		zap.String("entry", symbol))
	return &Handle{name: rec.Name, strategy: StrategyMemory, module: mod}, nil
}

// InitSymbol derives the memory-strategy entry point name from a dotted
// module name: the leaf with a "pack_init_" prefix.
func InitSymbol(name string) string {
	leaf := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		leaf = name[i+1:]
	}
	return "pack_init_" + leaf
}

/// PluginInitSymbol derives the temp-file-strategy entry point name: the
// leaf in camel case with a "PackInit" prefix.
func PluginInitSymbol(name string) string {
	leaf := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		leaf = name[i+1:]
	}
	var b strings.Builder
	b.WriteString("PackInit")
	for _, part := range strings.Split(leaf, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// Handles returns the names of currently registered handles, sorted.
func (l *Loader) Handles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.handles))
	for name := range l.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close tears down the loader at process exit: the owned runtime is
// closed and staged temporary files are removed best-effort. Handles
// must not be used afterwards.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	handles := l.handles
	l.handles = nil
	l.mu.Unlock()

	for _, h := range handles {
		h.removeTempFile()
	}
	if l.ownedRuntime {
		return l.runtime.Close(ctx)
	}
	return nil
}
