package starpack

import (
	"context"
	"io"

	"github.com/tetratelabs/wazero"
	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/extension"
	"github.com/starpack/starpack/importer"
	"github.com/starpack/starpack/resources"
)

// SourceConfig pairs a resource source with its index precedence.
// Higher precedence wins during resolution.
type SourceConfig struct {
	Source     resources.Source
	Precedence int
}

// Config configures a Host.
type Config struct {
	// Sources are registered in the host's index in order. At least one
	// is required.
	Sources []SourceConfig

	// Predeclared names visible to every module the host executes.
	Predeclared starlark.StringDict

	// Logger, when set, is propagated to the importer and extension
	// subsystems. Logging is off by default.
	Logger *zap.Logger

	// DisableExtensions drops the native extension loader. Loading a
	// record with a native payload then fails instead of instantiating
	// the image.
	DisableExtensions bool

	// Runtime hosts extension images. One is created (and owned) by the
	// host when nil.
	Runtime wazero.Runtime

	// ExtensionTempDir overrides the staging directory for the
	// extension loader's temp-file strategy.
	ExtensionTempDir string
}

// Host is the embedding facade: one index over the configured sources,
// one importer memoizing module loads against it, and one extension
// loader for native payloads. Create with NewHost, release with Close.
type Host struct {
	index       *resources.Index
	imp         *importer.Importer
	ext         *extension.Loader
	predeclared starlark.StringDict
}

// NewHost assembles a Host from cfg. The host owns everything it
// creates; Close releases it.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New(errors.PhaseIndex, errors.KindInvalidRecord).
			Detail("host requires at least one resource source").Build()
	}
	if cfg.Logger != nil {
		importer.SetLogger(cfg.Logger.Named("importer"))
		extension.SetLogger(cfg.Logger.Named("extension"))
	}

	idx := resources.NewIndex()
	for _, sc := range cfg.Sources {
		idx.RegisterSource(sc.Source, sc.Precedence)
	}

	h := &Host{index: idx, predeclared: cfg.Predeclared}

	var native importer.NativeLoader
	if !cfg.DisableExtensions {
		ext, err := extension.NewLoader(ctx, extension.Config{
			Runtime: cfg.Runtime,
			Index:   idx,
			TempDir: cfg.ExtensionTempDir,
		})
		if err != nil {
			_ = idx.Close()
			return nil, err
		}
		h.ext = ext
		native = h.loadNative
	}

	imp, err := importer.New(importer.Config{
		Index:        idx,
		Predeclared:  cfg.Predeclared,
		NativeLoader: native,
	})
	if err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	h.imp = imp
	return h, nil
}

// Find queries the index for a module spec without executing anything.
// Absence returns (nil, nil).
func (h *Host) Find(name string) (*importer.Spec, error) {
	return h.imp.Find(name)
}

// Load resolves and executes a module by dotted name, memoizing the
// outcome across calls.
func (h *Host) Load(ctx context.Context, name string) (*importer.Module, error) {
	return h.imp.Load(ctx, nil, name)
}

// Thread returns a fresh starlark thread whose load statements resolve
// through the host's importer.
func (h *Host) Thread(ctx context.Context, name string) *starlark.Thread {
	return &starlark.Thread{Name: name, Load: h.imp.Loader(ctx)}
}

// ExecSource executes a top-level script against the host: loads
// resolve through the importer and the configured predeclared names are
// in scope. The script itself is not entered into the module cache.
func (h *Host) ExecSource(ctx context.Context, name string, src []byte) (starlark.StringDict, error) {
	return starlark.ExecFile(h.Thread(ctx, name), name, src, h.predeclared)
}

// ListResources lists the resource names attached to a package.
func (h *Host) ListResources(pkg string) ([]string, error) {
	return h.index.ListResources(pkg)
}

// OpenResource opens a named resource of a package for reading.
func (h *Host) OpenResource(pkg, name string) (io.ReadCloser, error) {
	return h.index.OpenResource(pkg, name)
}

// ReadResource reads a named resource of a package in full.
func (h *Host) ReadResource(pkg, name string) ([]byte, error) {
	rc, err := h.index.OpenResource(pkg, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Index returns the host's resource index.
func (h *Host) Index() *resources.Index { return h.index }

// Importer returns the host's module importer.
func (h *Host) Importer() *importer.Importer { return h.imp }

// Extensions returns the native extension loader, or nil when
// extensions are disabled.
func (h *Host) Extensions() *extension.Loader { return h.ext }

// Close releases the host: extension handles and their runtime first,
// then the index and its sources. The first failure is reported;
// teardown still runs to completion.
func (h *Host) Close(ctx context.Context) error {
	var first error
	if h.ext != nil {
		if err := h.ext.Close(ctx); err != nil {
			first = err
		}
	}
	if err := h.index.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// loadNative materializes a native-extension record through the
// extension loader and exposes its exports as module globals.
func (h *Host) loadNative(ctx context.Context, rec *resources.Record) (starlark.StringDict, error) {
	handle, err := h.ext.Load(ctx, rec)
	if err != nil {
		return nil, err
	}
	return handleGlobals(ctx, handle), nil
}

// handleGlobals wraps a loaded image's exported functions as builtins,
// skipping the init entry point. Arguments and results cross the
// boundary as integers, the raw calling convention of the images.
func handleGlobals(ctx context.Context, handle *extension.Handle) starlark.StringDict {
	initSym := extension.InitSymbol(handle.Name())
	globals := make(starlark.StringDict)
	for _, fn := range handle.ExportedFunctions() {
		if fn == initSym {
			continue
		}
		globals[fn] = nativeBuiltin(ctx, handle, fn)
	}
	return globals
}

func nativeBuiltin(ctx context.Context, handle *extension.Handle, fn string) *starlark.Builtin {
	return starlark.NewBuiltin(fn, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, errors.New(errors.PhaseExecute, errors.KindExecFailed).
				Name(handle.Name()).
				Detail("%s takes no keyword arguments", b.Name()).Build()
		}
		params := make([]uint64, len(args))
		for i, arg := range args {
			var v uint64
			if err := starlark.AsInt(arg, &v); err != nil {
				return nil, errors.New(errors.PhaseExecute, errors.KindExecFailed).
					Name(handle.Name()).Cause(err).
					Detail("%s: argument %d", b.Name(), i).Build()
			}
			params[i] = v
		}
		results, err := handle.Call(ctx, b.Name(), params...)
		if err != nil {
			return nil, errors.ExecFailed(handle.Name()+"."+b.Name(), err)
		}
		switch len(results) {
		case 0:
			return starlark.None, nil
		case 1:
			return starlark.MakeUint64(results[0]), nil
		default:
			out := make(starlark.Tuple, len(results))
			for i, r := range results {
				out[i] = starlark.MakeUint64(r)
			}
			return out, nil
		}
	})
}
