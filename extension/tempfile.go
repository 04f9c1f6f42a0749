package extension

import (
	"os"
	"plugin"

	"go.uber.org/zap"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/resources"
)

// pluginHandle abstracts the platform's path-based loader result.
type pluginHandle interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// loadFromTempFile is the fallback strategy for payloads the platform
// loader cannot map from memory: the image is staged to a uniquely named
// temporary file with owner-only permissions and loaded by path. The
// file is scheduled for removal at loader teardown; platforms that keep
// loaded images locked defer the deletion past process exit.
func (l *Loader) loadFromTempFile(rec *resources.Record) (*Handle, error) {
	f, err := os.CreateTemp(l.tempDir, "starpack-*.so")
	if err != nil {
		return nil, errors.WriteFailed(rec.Name, err)
	}
	path := f.Name()
	if _, err := f.Write(rec.Payload); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.WriteFailed(rec.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, errors.WriteFailed(rec.Name, err)
	}

	p, err := plugin.Open(path)
	if err != nil {
		os.Remove(path)
		return nil, errors.InvalidImage(rec.Name, err)
	}

	symbol := PluginInitSymbol(rec.Name)
	sym, err := p.Lookup(symbol)
	if err != nil {
		os.Remove(path)
		return nil, errors.EntryMissing(rec.Name, symbol)
	}
	init, ok := sym.(func() error)
	if !ok {
		os.Remove(path)
		return nil, errors.New(errors.PhaseExtension, errors.KindEntryMissing).
			Name(rec.Name).Detail("entry point %q has wrong type", symbol).Build()
	}
	if err := init(); err != nil {
		os.Remove(path)
		return nil, errors.InitFailed(rec.Name, err)
	}

	Logger().Debug("extension loaded from temp file",
		zap.String("module", rec.Name),
		zap.String("path", path),
		zap.String("entry", symbol))
	return &Handle{name: rec.Name, strategy: StrategyTempFile, plug: p, tempPath: path}, nil
}

func (h *Handle) removeTempFile() {
	if h.tempPath != "" {
		// Best effort: the image may still be mapped.
		_ = os.Remove(h.tempPath)
	}
}
