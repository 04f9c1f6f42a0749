package resources

import (
	"archive/zip"
	"bytes"
	"sync"
	"testing"

	"github.com/starpack/starpack/errors"
)

func buildTestArchive(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create member %s: %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("write member %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func openTestArchive(t *testing.T, members map[string][]byte) *ArchiveSource {
	t.Helper()
	data := buildTestArchive(t, members)
	src, err := NewArchiveSource("test.zip", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	return src
}

func TestArchive_Modules(t *testing.T) {
	src := openTestArchive(t, map[string][]byte{
		"app/__init__.star":        []byte("name = 'app'\n"),
		"app/main.star":            []byte("run = lambda: 1\n"),
		"app/util.starc":           {0x01, 0x02},
		"app/templates/index.html": []byte("<html></html>"),
		"ext/fast.wasm":            {0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00},
		"ext/fast.deps":            []byte("zlib\n# comment\next.base\n"),
	})
	defer src.Close()

	app, err := src.Resolve("app")
	if err != nil {
		t.Fatalf("resolve app: %v", err)
	}
	if !app.IsPackage {
		t.Error("app should be a package")
	}
	if string(app.Source) != "name = 'app'\n" {
		t.Errorf("app source = %q", app.Source)
	}
	res := app.ResourceNames()
	if len(res) != 1 || res[0] != "templates/index.html" {
		t.Errorf("app resources = %v", res)
	}

	util, err := src.Resolve("app.util")
	if err != nil {
		t.Fatalf("resolve app.util: %v", err)
	}
	if !bytes.Equal(util.Code, []byte{0x01, 0x02}) {
		t.Errorf("app.util code = %x", util.Code)
	}

	fast, err := src.Resolve("ext.fast")
	if err != nil {
		t.Fatalf("resolve ext.fast: %v", err)
	}
	if fast.PayloadKind != PayloadWASM {
		t.Errorf("payload kind = %v", fast.PayloadKind)
	}
	if len(fast.Dependencies) != 2 || fast.Dependencies[0] != "zlib" || fast.Dependencies[1] != "ext.base" {
		t.Errorf("deps = %v", fast.Dependencies)
	}
	if fast.Origin != "test.zip:ext.fast" {
		t.Errorf("origin = %q", fast.Origin)
	}

	// ext exists only as a parent directory of ext.fast
	ext, err := src.Resolve("ext")
	if err != nil {
		t.Fatalf("resolve ext: %v", err)
	}
	if !ext.IsPackage {
		t.Error("ext should be an implicit package")
	}

	if _, err := src.Resolve("nope"); !errors.IsNotFound(err) {
		t.Errorf("absent module: got %v, want not-found", err)
	}
}

func TestArchive_ResolveMemoizes(t *testing.T) {
	src := openTestArchive(t, map[string][]byte{
		"m.star": []byte("a = 1\n"),
	})
	defer src.Close()

	first, err := src.Resolve("m")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := src.Resolve("m")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Error("second resolve returned a different record")
	}
}

func TestArchive_ResourceReads(t *testing.T) {
	src := openTestArchive(t, map[string][]byte{
		"pkg/__init__.star": nil,
		"pkg/data/a.bin":    {1, 2, 3},
	})
	defer src.Close()

	rec, err := src.Resolve("pkg")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	one, err := rec.ReadResource("data/a.bin")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	two, err := rec.ReadResource("data/a.bin")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !bytes.Equal(one, two) || !bytes.Equal(one, []byte{1, 2, 3}) {
		t.Errorf("reads differ: %x vs %x", one, two)
	}

	if _, err := rec.ReadResource("data/missing.bin"); !errors.IsNotFound(err) {
		t.Errorf("missing member: got %v, want not-found", err)
	}
}

func TestArchive_ConcurrentReads(t *testing.T) {
	src := openTestArchive(t, map[string][]byte{
		"pkg/__init__.star": nil,
		"pkg/blob.bin":      bytes.Repeat([]byte{0xAB}, 1<<16),
	})
	defer src.Close()

	rec, err := src.Resolve("pkg")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = rec.ReadResource("blob.bin")
		}(i)
	}
	wg.Wait()
	for i, data := range results {
		if len(data) != 1<<16 {
			t.Fatalf("read %d returned %d bytes", i, len(data))
		}
	}
}

func TestArchive_UnsupportedCompression(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// bzip2, which no registered decompressor handles
	f, err := zw.CreateRaw(&zip.FileHeader{Name: "m.star", Method: 12})
	if err != nil {
		t.Fatalf("create raw: %v", err)
	}
	if _, err := f.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	src, err := NewArchiveSource("test.zip", bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	_, err = src.Resolve("m")
	var e *errors.Error
	if !asError(err, &e) || e.Kind != errors.KindUnsupportedCompression {
		t.Errorf("got %v, want unsupported_compression", err)
	}
}

func TestArchive_MalformedDirectory(t *testing.T) {
	junk := []byte("this is not a zip archive, not even close")
	_, err := NewArchiveSource("junk.zip", bytes.NewReader(junk), int64(len(junk)))
	var e *errors.Error
	if !asError(err, &e) || e.Phase != errors.PhaseArchive {
		t.Errorf("got %v, want archive-phase error", err)
	}
}

func TestArchive_PathEscape(t *testing.T) {
	data := buildTestArchive(t, map[string][]byte{
		"../evil.star": []byte("x = 1\n"),
	})
	if _, err := NewArchiveSource("evil.zip", bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("archive with escaping member path was accepted")
	}
}
