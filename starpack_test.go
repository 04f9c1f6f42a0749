package starpack

import (
	"context"
	"testing"

	"go.starlark.net/starlark"

	"github.com/starpack/starpack/resources"
)

func blobSource(t *testing.T, build func(w *resources.BlobWriter)) *resources.BlobSource {
	t.Helper()
	w := resources.NewBlobWriter()
	build(w)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	src, err := resources.NewBlobSource(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return src
}

func mustAdd(t *testing.T, w *resources.BlobWriter, rec resources.Record, res map[string][]byte) {
	t.Helper()
	if err := w.Add(rec, res); err != nil {
		t.Fatalf("add %s: %v", rec.Name, err)
	}
}

func newTestHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	ctx := context.Background()
	h, err := NewHost(ctx, cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { h.Close(ctx) })
	return h
}

// answerWASM is a minimal image exporting pack_init_fast () -> () and
// answer () -> i32 returning 42.
func answerWASM() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	out = append(out, 0x01, 0x08, 0x02, 0x60, 0x00, 0x00, 0x60, 0x00, 0x01, 0x7F)
	out = append(out, 0x03, 0x03, 0x02, 0x00, 0x01)
	exp := []byte{0x07, 0x1B, 0x02, 0x0E}
	exp = append(exp, "pack_init_fast"...)
	exp = append(exp, 0x00, 0x00, 0x06)
	exp = append(exp, "answer"...)
	exp = append(exp, 0x00, 0x01)
	out = append(out, exp...)
	out = append(out, 0x0A, 0x09, 0x02, 0x02, 0x00, 0x0B, 0x04, 0x00, 0x41, 0x2A, 0x0B)
	return out
}

func TestHost_LoadAndResources(t *testing.T) {
	ctx := context.Background()
	src := blobSource(t, func(w *resources.BlobWriter) {
		mustAdd(t, w, resources.Record{Name: "app", IsPackage: true},
			map[string][]byte{"data.txt": []byte("payload bytes")})
		mustAdd(t, w, resources.Record{Name: "app.main", Source: []byte("greeting = 'hello'\n")}, nil)
	})
	h := newTestHost(t, Config{Sources: []SourceConfig{{Source: src}}})

	mod, err := h.Load(ctx, "app.main")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := mod.Globals["greeting"]; got != starlark.String("hello") {
		t.Errorf("greeting = %v", got)
	}

	names, err := h.ListResources("app")
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(names) != 1 || names[0] != "data.txt" {
		t.Errorf("resources = %v", names)
	}
	data, err := h.ReadResource("app", "data.txt")
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if string(data) != "payload bytes" {
		t.Errorf("resource = %q", data)
	}
}

func TestHost_ExecSource(t *testing.T) {
	ctx := context.Background()
	src := blobSource(t, func(w *resources.BlobWriter) {
		mustAdd(t, w, resources.Record{Name: "greet", Source: []byte("word = 'hello'\n")}, nil)
	})
	h := newTestHost(t, Config{Sources: []SourceConfig{{Source: src}}})

	globals, err := h.ExecSource(ctx, "main.star", []byte("load('greet', 'word')\nmsg = word + ' world'\n"))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := globals["msg"]; got != starlark.String("hello world") {
		t.Errorf("msg = %v", got)
	}
}

func TestHost_PrecedenceOverlay(t *testing.T) {
	ctx := context.Background()
	base := blobSource(t, func(w *resources.BlobWriter) {
		mustAdd(t, w, resources.Record{Name: "cfg", Source: []byte("tier = 'base'\n")}, nil)
	})
	patch := blobSource(t, func(w *resources.BlobWriter) {
		mustAdd(t, w, resources.Record{Name: "cfg", Source: []byte("tier = 'patched'\n")}, nil)
	})
	h := newTestHost(t, Config{Sources: []SourceConfig{
		{Source: base, Precedence: 0},
		{Source: patch, Precedence: 10},
	}})

	mod, err := h.Load(ctx, "cfg")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := mod.Globals["tier"]; got != starlark.String("patched") {
		t.Errorf("tier = %v", got)
	}
}

func TestHost_NativeExtensionBuiltin(t *testing.T) {
	ctx := context.Background()
	src := blobSource(t, func(w *resources.BlobWriter) {
		mustAdd(t, w, resources.Record{
			Name:        "app.fast",
			Payload:     answerWASM(),
			PayloadKind: resources.PayloadWASM,
		}, nil)
	})
	h := newTestHost(t, Config{Sources: []SourceConfig{{Source: src}}})

	globals, err := h.ExecSource(ctx, "main.star", []byte("load('app.fast', 'answer')\nx = answer()\n"))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := globals["x"]; got != starlark.MakeInt(42) {
		t.Errorf("x = %v", got)
	}

	mod, err := h.Load(ctx, "app.fast")
	if err != nil {
		t.Fatalf("load handle: %v", err)
	}
	if _, ok := mod.Globals["pack_init_fast"]; ok {
		t.Error("init entry point leaked into module globals")
	}
}

func TestHost_DisabledExtensions(t *testing.T) {
	ctx := context.Background()
	src := blobSource(t, func(w *resources.BlobWriter) {
		mustAdd(t, w, resources.Record{
			Name:        "app.fast",
			Payload:     answerWASM(),
			PayloadKind: resources.PayloadWASM,
		}, nil)
	})
	h := newTestHost(t, Config{
		Sources:           []SourceConfig{{Source: src}},
		DisableExtensions: true,
	})

	if _, err := h.Load(ctx, "app.fast"); err == nil {
		t.Fatal("loading a native record without extensions should fail")
	}
	if h.Extensions() != nil {
		t.Error("extension loader present despite being disabled")
	}
}
