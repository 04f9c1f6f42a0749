package importer

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"go.starlark.net/starlark"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/resources"
)

type moduleDef struct {
	rec       resources.Record
	resources map[string][]byte
}

func indexOf(t *testing.T, defs ...moduleDef) *resources.Index {
	t.Helper()
	w := resources.NewBlobWriter()
	for _, def := range defs {
		if err := w.Add(def.rec, def.resources); err != nil {
			t.Fatalf("add %s: %v", def.rec.Name, err)
		}
	}
	blob, err := w.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	src, err := resources.NewBlobSource(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	idx := resources.NewIndex()
	idx.RegisterSource(src, 0)
	return idx
}

func sourceModule(name, src string) moduleDef {
	return moduleDef{rec: resources.Record{Name: name, Source: []byte(src)}}
}

func newImporter(t *testing.T, cfg Config) *Importer {
	t.Helper()
	imp, err := New(cfg)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	return imp
}

func TestImporter_FindAbsenceIsNotFatal(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t, sourceModule("m", "x = 1\n"))})

	spec, err := imp.Find("ghost")
	if err != nil {
		t.Fatalf("find of absent name errored: %v", err)
	}
	if spec != nil {
		t.Fatalf("find of absent name returned %+v", spec)
	}

	spec, err = imp.Find("m")
	if err != nil || spec == nil {
		t.Fatalf("find = %+v, %v", spec, err)
	}
	if spec.Origin != "blob:m" {
		t.Errorf("origin = %q", spec.Origin)
	}
}

func TestImporter_PackageSearchPath(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t,
		moduleDef{rec: resources.Record{Name: "pkg", IsPackage: true, Source: []byte("v = 1\n")}},
	)})

	spec, err := imp.Find("pkg")
	if err != nil || spec == nil {
		t.Fatalf("find = %+v, %v", spec, err)
	}
	if !spec.IsPackage {
		t.Error("spec should be a package")
	}
	if len(spec.SearchPath) != 1 || spec.SearchPath[0] != "blob:pkg" {
		t.Errorf("search path = %v", spec.SearchPath)
	}
}

func TestImporter_LoadExecutesOnce(t *testing.T) {
	calls := 0
	bump := starlark.NewBuiltin("bump", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		calls++
		return starlark.None, nil
	})

	imp := newImporter(t, Config{
		Index:       indexOf(t, sourceModule("m", "bump()\nx = 42\n")),
		Predeclared: starlark.StringDict{"bump": bump},
	})

	ctx := context.Background()
	first, err := imp.Load(ctx, nil, "m")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := imp.Load(ctx, nil, "m")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Error("second load returned a different handle")
	}
	if calls != 1 {
		t.Errorf("module body executed %d times, want 1", calls)
	}
	if v, ok := first.Globals["x"]; !ok || v != starlark.MakeInt(42) {
		t.Errorf("globals[x] = %v", v)
	}
	if imp.State("m") != StateLoaded {
		t.Errorf("state = %s", imp.State("m"))
	}
}

func TestImporter_SyntheticBindings(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t,
		moduleDef{rec: resources.Record{Name: "pkg", IsPackage: true, Source: []byte("n = __name__\np = __package__\no = __origin__\n")}},
		sourceModule("pkg.mod", "n = __name__\np = __package__\n"),
	)})

	ctx := context.Background()
	pkg, err := imp.Load(ctx, nil, "pkg")
	if err != nil {
		t.Fatalf("load pkg: %v", err)
	}
	if pkg.Globals["n"] != starlark.String("pkg") || pkg.Globals["p"] != starlark.String("pkg") {
		t.Errorf("pkg bindings = %v / %v", pkg.Globals["n"], pkg.Globals["p"])
	}
	if pkg.Globals["o"] != starlark.String("blob:pkg") {
		t.Errorf("pkg origin binding = %v", pkg.Globals["o"])
	}

	mod, err := imp.Load(ctx, nil, "pkg.mod")
	if err != nil {
		t.Fatalf("load pkg.mod: %v", err)
	}
	if mod.Globals["n"] != starlark.String("pkg.mod") || mod.Globals["p"] != starlark.String("pkg") {
		t.Errorf("mod bindings = %v / %v", mod.Globals["n"], mod.Globals["p"])
	}
}

func TestImporter_CompiledProgram(t *testing.T) {
	_, prog, err := starlark.SourceProgram("m.star", "z = 40 + 2\n", func(string) bool { return false })
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		t.Fatalf("serialize program: %v", err)
	}

	imp := newImporter(t, Config{Index: indexOf(t,
		moduleDef{rec: resources.Record{Name: "m", Code: buf.Bytes()}},
	)})

	mod, err := imp.Load(context.Background(), nil, "m")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mod.Globals["z"] != starlark.MakeInt(42) {
		t.Errorf("globals[z] = %v", mod.Globals["z"])
	}
}

func TestImporter_MalformedCompiledProgram(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t,
		moduleDef{rec: resources.Record{Name: "m", Code: []byte("garbage")}},
	)})

	_, err := imp.Load(context.Background(), nil, "m")
	var e *errors.Error
	if !stdAs(err, &e) || e.Kind != errors.KindMalformed {
		t.Errorf("got %v, want malformed", err)
	}
}

func TestImporter_FailedLoadIsMemoized(t *testing.T) {
	calls := 0
	bump := starlark.NewBuiltin("bump", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		calls++
		return starlark.None, nil
	})

	imp := newImporter(t, Config{
		Index:       indexOf(t, sourceModule("bad", "bump()\nfail('boom')\n")),
		Predeclared: starlark.StringDict{"bump": bump},
	})

	ctx := context.Background()
	_, err1 := imp.Load(ctx, nil, "bad")
	if err1 == nil {
		t.Fatal("first load should fail")
	}
	if !strings.Contains(err1.Error(), "boom") {
		t.Errorf("original failure lost: %v", err1)
	}

	_, err2 := imp.Load(ctx, nil, "bad")
	if err2 == nil {
		t.Fatal("second load should re-raise")
	}
	if err1.Error() != err2.Error() {
		t.Errorf("re-raised error differs: %v vs %v", err1, err2)
	}
	if calls != 1 {
		t.Errorf("failing module executed %d times, want 1", calls)
	}
	if imp.State("bad") != StateFailed {
		t.Errorf("state = %s, want failed", imp.State("bad"))
	}
}

func TestImporter_LoadAbsentName(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t, sourceModule("m", "x = 1\n"))})
	_, err := imp.Load(context.Background(), nil, "ghost")
	if !errors.IsNotFound(err) {
		t.Errorf("got %v, want not-found", err)
	}
	// Absence does not poison the cache.
	if imp.State("ghost") != StateNotStarted {
		t.Errorf("state = %s, want not-started", imp.State("ghost"))
	}
}

func TestImporter_CircularImportTerminates(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t,
		sourceModule("a", "load('b', 'bx')\nax = bx\n"),
		sourceModule("b", "load('a', 'ax')\nbx = ax\n"),
	)})

	// The cycle must terminate with an error rather than recurse or
	// deadlock: b receives a's partial (empty) namespace, so its load
	// of 'ax' fails, which fails b, which fails a.
	_, err := imp.Load(context.Background(), nil, "a")
	if err == nil {
		t.Fatal("circular import should not load cleanly")
	}
	if imp.State("a") != StateFailed || imp.State("b") != StateFailed {
		t.Errorf("states = %s / %s", imp.State("a"), imp.State("b"))
	}
}

func TestImporter_ReentrantLoadReturnsPartialHandle(t *testing.T) {
	var imp *Importer
	var reentrant *Module
	native := func(ctx context.Context, rec *resources.Record) (starlark.StringDict, error) {
		m, err := imp.Load(ctx, nil, rec.Name)
		if err != nil {
			return nil, err
		}
		reentrant = m
		return starlark.StringDict{"ready": starlark.True}, nil
	}

	imp = newImporter(t, Config{
		Index: indexOf(t, moduleDef{rec: resources.Record{
			Name:        "ext",
			Payload:     []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00},
			PayloadKind: resources.PayloadWASM,
		}}),
		NativeLoader: native,
	})

	mod, err := imp.Load(context.Background(), nil, "ext")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reentrant != mod {
		t.Error("reentrant load returned a different handle")
	}
	if len(reentrant.Globals) != 1 {
		t.Errorf("final globals = %v", mod.Globals)
	}
}

func TestImporter_NativeRecordWithoutLoader(t *testing.T) {
	imp := newImporter(t, Config{
		Index: indexOf(t, moduleDef{rec: resources.Record{
			Name:        "ext",
			Payload:     []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00},
			PayloadKind: resources.PayloadWASM,
		}}),
	})
	if _, err := imp.Load(context.Background(), nil, "ext"); err == nil {
		t.Fatal("native record without a loader should fail")
	}
}

func TestImporter_ThreadLoadHook(t *testing.T) {
	imp := newImporter(t, Config{Index: indexOf(t,
		sourceModule("lib", "answer = 42\n"),
	)})

	thread := &starlark.Thread{Name: "main", Load: imp.Loader(context.Background())}
	globals, err := starlark.ExecFile(thread, "main.star", "load('lib', 'answer')\ndoubled = answer * 2\n", nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if globals["doubled"] != starlark.MakeInt(84) {
		t.Errorf("doubled = %v", globals["doubled"])
	}
}

func stdAs(err error, target **errors.Error) bool {
	return stderrors.As(err, target)
}
