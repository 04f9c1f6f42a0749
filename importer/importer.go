package importer

import (
	"bytes"
	"context"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/resources"
)

// NativeLoader materializes a native-extension record into a module
// namespace. Wired in by the embedding layer; the importer itself never
// touches payload bytes.
type NativeLoader func(ctx context.Context, rec *resources.Record) (starlark.StringDict, error)

// Config configures an Importer.
type Config struct {
	// Index is the resource catalog queried during resolution. Required.
	Index *resources.Index

	// Predeclared names visible to every module executed by the
	// importer, in addition to the synthetic __name__, __package__ and
	// __origin__ bindings.
	Predeclared starlark.StringDict

	// NativeLoader handles records tagged as native extensions. Loading
	// such a record without one configured fails.
	NativeLoader NativeLoader
}

// Importer implements the two-phase import protocol against a resource
// index: Find answers "is there a module spec for this name", Load
// executes the module's code and memoizes the result.
//
// The importer never initiates lookups itself; the host runtime's load
// evaluator drives it, either directly or through Loader.
type Importer struct {
	index       *resources.Index
	cache       *moduleCache
	predeclared starlark.StringDict
	native      NativeLoader
}

// New creates an Importer.
func New(cfg Config) (*Importer, error) {
	if cfg.Index == nil {
		return nil, errors.New(errors.PhaseFind, errors.KindInvalidRecord).
			Detail("importer requires a resource index").Build()
	}
	return &Importer{
		index:       cfg.Index,
		cache:       newModuleCache(),
		predeclared: cfg.Predeclared,
		native:      cfg.NativeLoader,
	}, nil
}

// Find queries the index for a module spec. Absence returns (nil, nil)
// so the host protocol can try the next finder in its chain; only
// decode or backend failures surface as errors.
func (imp *Importer) Find(name string) (*Spec, error) {
	rec, err := imp.index.Resolve(name)
	if err != nil {
		if errors.IsNotFound(err) {
			Logger().Debug("module not found", zap.String("module", name))
			return nil, nil
		}
		return nil, err
	}
	spec := &Spec{
		Name:      rec.Name,
		Origin:    rec.Origin,
		IsPackage: rec.IsPackage,
	}
	if rec.IsPackage {
		spec.SearchPath = []string{rec.Origin}
	}
	Logger().Debug("module found",
		zap.String("module", name),
		zap.String("origin", rec.Origin),
		zap.Bool("package", rec.IsPackage))
	return spec, nil
}

// Load resolves and executes a module, memoizing the outcome.
//
// A cache hit returns the memoized handle without re-executing. A load
// already in progress for the same name returns its current, possibly
// incomplete handle; this is how circular imports terminate. A name that
// previously failed re-raises the recorded error without re-executing.
//
// thread may be nil, in which case a fresh thread wired to this importer
// is used. A non-nil thread without a Load hook has one installed so
// load statements inside module code resolve through the importer.
func (imp *Importer) Load(ctx context.Context, thread *starlark.Thread, name string) (*Module, error) {
	if e, ok := imp.cache.lookup(name); ok {
		return imp.cached(name, e)
	}

	// Resolving
	rec, err := imp.index.Resolve(name)
	if err != nil {
		return nil, err
	}

	mod := &Module{
		Name:      name,
		Origin:    rec.Origin,
		IsPackage: rec.IsPackage,
		Globals:   make(starlark.StringDict),
	}
	e, began := imp.cache.begin(name, mod)
	if !began {
		return imp.cached(name, e)
	}

	// Executing
	Logger().Debug("executing module", zap.String("module", name), zap.String("origin", rec.Origin))
	if err := imp.execute(ctx, thread, mod, rec); err != nil {
		imp.cache.fail(name, err)
		Logger().Debug("module load failed", zap.String("module", name), zap.Error(err))
		return nil, err
	}
	imp.cache.finish(name)
	Logger().Debug("module loaded", zap.String("module", name))
	return mod, nil
}

func (imp *Importer) cached(name string, e *cacheEntry) (*Module, error) {
	switch e.state {
	case StateLoaded:
		return e.module, nil
	case StateExecuting:
		// Reentrant resolution of a name already executing: hand back
		// the in-progress namespace instead of recursing.
		Logger().Debug("circular import, returning partial namespace", zap.String("module", name))
		return e.module, nil
	case StateFailed:
		return nil, e.err
	default:
		return nil, errors.NotFound(errors.PhaseLoad, "module", name)
	}
}

func (imp *Importer) execute(ctx context.Context, thread *starlark.Thread, mod *Module, rec *resources.Record) error {
	if rec.PayloadKind != resources.PayloadNone {
		if imp.native == nil {
			return errors.New(errors.PhaseLoad, errors.KindInvalidRecord).
				Name(rec.Name).
				Detail("record is a native extension but no native loader is configured").
				Build()
		}
		globals, err := imp.native(ctx, rec)
		if err != nil {
			return err
		}
		for k, v := range globals {
			mod.Globals[k] = v
		}
		return nil
	}

	predeclared := make(starlark.StringDict, len(imp.predeclared)+3)
	for k, v := range imp.predeclared {
		predeclared[k] = v
	}
	pkg := rec.Parent()
	if rec.IsPackage {
		pkg = rec.Name
	}
	predeclared["__name__"] = starlark.String(rec.Name)
	predeclared["__package__"] = starlark.String(pkg)
	predeclared["__origin__"] = starlark.String(rec.Origin)

	var prog *starlark.Program
	switch {
	case rec.Code != nil:
		p, err := starlark.CompiledProgram(bytes.NewReader(rec.Code))
		if err != nil {
			return errors.Malformed(errors.PhaseLoad, "compiled program for "+rec.Name, err)
		}
		prog = p
	case rec.Source != nil:
		_, p, err := starlark.SourceProgram(rec.Origin, rec.Source, predeclared.Has)
		if err != nil {
			return err
		}
		prog = p
	default:
		// Namespace-only package: nothing to execute.
		return nil
	}

	th := thread
	if th == nil {
		th = &starlark.Thread{Name: "starpack:" + rec.Name}
	}
	if th.Load == nil {
		th.Load = imp.Loader(ctx)
	}

	globals, err := prog.Init(th, predeclared)
	if err != nil {
		// Errors raised by module code propagate unchanged.
		return err
	}
	for k, v := range globals {
		mod.Globals[k] = v
	}
	mod.Globals.Freeze()
	return nil
}

// Loader adapts the importer to the starlark load protocol. Assign the
// result to a thread's Load hook:
//
//	thread := &starlark.Thread{Name: "main", Load: imp.Loader(ctx)}
func (imp *Importer) Loader(ctx context.Context) func(*starlark.Thread, string) (starlark.StringDict, error) {
	return func(thread *starlark.Thread, name string) (starlark.StringDict, error) {
		mod, err := imp.Load(ctx, thread, name)
		if err != nil {
			return nil, err
		}
		return mod.Globals, nil
	}
}

// State reports the cache state for a module name.
func (imp *Importer) State(name string) State {
	return imp.cache.snapshot(name)
}

// Index returns the resource index backing the importer.
func (imp *Importer) Index() *resources.Index {
	return imp.index
}
