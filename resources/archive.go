package resources

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/starpack/starpack/errors"
)

// zip method id for zstd, per APPNOTE 6.3.8
const zipMethodZstd = 93

// Member suffixes the archive backend recognizes. A ".star" member is
// module source, ".starc" a serialized compiled program, ".wasm" and
// ".so" native extension payloads, ".deps" an optional sidecar listing
// shared-library dependencies one per line. Anything else is a resource
// file attached to its nearest enclosing package.
const (
	extSource   = ".star"
	extCompiled = ".starc"
	extWASM     = ".wasm"
	extShared   = ".so"
	extDeps     = ".deps"
)

const packageMarker = "__init__"

// ArchiveSource serves records from a zip archive. The member list is
// read eagerly from the central directory; member content is decompressed
// only when a record or resource is first requested, with concurrent
// first reads collapsed to a single decompression.
type ArchiveSource struct {
	label   string
	closer  io.Closer
	entries map[string]*archiveEntry
	resDirs map[string]map[string]*zip.File
	names   []string

	mu     sync.Mutex
	built  map[string]*Record
	cache  map[string][]byte
	group  singleflight.Group
	closed bool
}

type archiveEntry struct {
	isPackage bool
	kind      PayloadKind
	source    *zip.File
	code      *zip.File
	payload   *zip.File
	deps      *zip.File
}

// OpenArchive opens a zip archive on disk as a record source. The file
// stays open until Close.
func OpenArchive(archivePath string) (*ArchiveSource, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.Malformed(errors.PhaseArchive, "open archive", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Malformed(errors.PhaseArchive, "stat archive", err)
	}
	src, err := NewArchiveSource(path.Base(archivePath), f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewArchiveSource reads the central directory of a zip archive and
// indexes its members. Fails with an archive-phase error on a malformed
// directory.
func NewArchiveSource(label string, r io.ReaderAt, size int64) (*ArchiveSource, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Malformed(errors.PhaseArchive, "central directory", err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	zr.RegisterDecompressor(zipMethodZstd, func(r io.Reader) io.ReadCloser {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return dec.IOReadCloser()
	})

	src := &ArchiveSource{
		label:   label,
		entries: make(map[string]*archiveEntry),
		resDirs: make(map[string]map[string]*zip.File),
		built:   make(map[string]*Record),
		cache:   make(map[string][]byte),
	}
	if err := src.indexMembers(zr); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(src.entries))
	for name := range src.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	src.names = names
	return src, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func (s *ArchiveSource) indexMembers(zr *zip.Reader) error {
	// First pass: modules and payloads, so package directories are known
	// before resources are attached.
	var resFiles []*zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		clean := path.Clean(f.Name)
		if strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return errors.Malformed(errors.PhaseArchive, "member path escapes archive: "+f.Name, nil)
		}
		ext := path.Ext(clean)
		switch ext {
		case extSource, extCompiled, extWASM, extShared, extDeps:
			name, err := moduleNameFromPath(clean)
			if err != nil {
				return err
			}
			entry := s.entries[name]
			if entry == nil {
				entry = &archiveEntry{}
				s.entries[name] = entry
			}
			switch ext {
			case extSource:
				entry.source = f
			case extCompiled:
				entry.code = f
			case extWASM:
				entry.kind = PayloadWASM
				entry.payload = f
			case extShared:
				entry.kind = PayloadSharedObject
				entry.payload = f
			case extDeps:
				entry.deps = f
			}
			if strings.TrimSuffix(path.Base(clean), ext) == packageMarker {
				entry.isPackage = true
			}
		default:
			resFiles = append(resFiles, f)
		}
	}

	// Package directories also exist implicitly for every parent of a
	// known module name.
	for name, entry := range s.entries {
		if entry.deps != nil && entry.payload == nil {
			return errors.Malformed(errors.PhaseArchive, "dependency sidecar without payload for "+name, nil)
		}
		for parent := parentName(name); parent != ""; parent = parentName(parent) {
			pe := s.entries[parent]
			if pe == nil {
				pe = &archiveEntry{}
				s.entries[parent] = pe
			}
			pe.isPackage = true
		}
	}

	// Second pass: attach resource files to their nearest package.
	for _, f := range resFiles {
		clean := path.Clean(f.Name)
		pkg, rel := s.splitResourcePath(clean)
		if rel == "" {
			continue
		}
		dir := s.resDirs[pkg]
		if dir == nil {
			dir = make(map[string]*zip.File)
			s.resDirs[pkg] = dir
		}
		dir[rel] = f
	}
	return nil
}

// splitResourcePath finds the deepest package whose directory is a prefix
// of the member path. Members outside any package attach to the root
// namespace "".
func (s *ArchiveSource) splitResourcePath(member string) (pkg, rel string) {
	dir := path.Dir(member)
	for dir != "." && dir != "/" {
		name := strings.ReplaceAll(dir, "/", ".")
		if e, ok := s.entries[name]; ok && e.isPackage {
			return name, member[len(dir)+1:]
		}
		dir = path.Dir(dir)
	}
	return "", member
}

func moduleNameFromPath(member string) (string, error) {
	trimmed := strings.TrimSuffix(member, path.Ext(member))
	if path.Base(trimmed) == packageMarker {
		trimmed = path.Dir(trimmed)
		if trimmed == "." {
			return "", errors.Malformed(errors.PhaseArchive, "top-level package marker "+member, nil)
		}
	}
	name := strings.ReplaceAll(trimmed, "/", ".")
	if err := ValidateName(name); err != nil {
		return "", errors.Malformed(errors.PhaseArchive, "member name "+member, err)
	}
	return name, nil
}

func parentName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}

// Label implements Source.
func (s *ArchiveSource) Label() string { return s.label }

// Names implements Source.
func (s *ArchiveSource) Names() []string { return s.names }

// Resolve implements Source. The first resolution of a name reads and
// caches the member bytes backing the record; later resolutions return
// the same record.
func (s *ArchiveSource) Resolve(name string) (*Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Closed(errors.PhaseArchive, "archive source")
	}
	if rec, ok := s.built[name]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	entry, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseIndex, "module", name)
	}

	rec, err := s.buildRecord(name, entry)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if prior, ok := s.built[name]; ok {
		rec = prior
	} else {
		s.built[name] = rec
	}
	s.mu.Unlock()
	return rec, nil
}

func (s *ArchiveSource) buildRecord(name string, entry *archiveEntry) (*Record, error) {
	rec := &Record{
		Name:        name,
		IsPackage:   entry.isPackage,
		PayloadKind: entry.kind,
		Origin:      s.label + ":" + name,
	}
	var err error
	if entry.code != nil {
		if rec.Code, err = s.readMember(entry.code); err != nil {
			return nil, err
		}
	}
	if entry.source != nil {
		if rec.Source, err = s.readMember(entry.source); err != nil {
			return nil, err
		}
	}
	if entry.payload != nil {
		if rec.Payload, err = s.readMember(entry.payload); err != nil {
			return nil, err
		}
	}
	if entry.deps != nil {
		raw, err := s.readMember(entry.deps)
		if err != nil {
			return nil, err
		}
		rec.Dependencies = parseDepsList(string(raw))
	}
	if dir, ok := s.resDirs[name]; ok {
		names := make([]string, 0, len(dir))
		for rel := range dir {
			names = append(names, rel)
		}
		sort.Strings(names)
		rec.resourceNames = names
		rec.readResource = s.resourceReader(name, dir)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *ArchiveSource) resourceReader(pkg string, dir map[string]*zip.File) func(string) ([]byte, error) {
	return func(name string) ([]byte, error) {
		f, ok := dir[name]
		if !ok {
			return nil, errors.NotFound(errors.PhaseArchive, "resource", pkg+"/"+name)
		}
		return s.readMember(f)
	}
}

// readMember decompresses one archive member, caching the result.
// Concurrent first reads of the same member share one decompression.
func (s *ArchiveSource) readMember(f *zip.File) ([]byte, error) {
	s.mu.Lock()
	if data, ok := s.cache[f.Name]; ok {
		s.mu.Unlock()
		return data, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(f.Name, func() (any, error) {
		switch f.Method {
		case zip.Store, zip.Deflate, zipMethodZstd:
		default:
			return nil, errors.UnsupportedCompression(f.Name, f.Method)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Malformed(errors.PhaseArchive, "open member "+f.Name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, errors.Malformed(errors.PhaseArchive, "read member "+f.Name, err)
		}
		s.mu.Lock()
		if s.cache != nil {
			s.cache[f.Name] = data
		}
		s.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Close implements Source. Records resolved from this source must not be
// used afterwards.
func (s *ArchiveSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.built = nil
	s.cache = nil
	s.mu.Unlock()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func parseDepsList(text string) []string {
	var deps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		deps = append(deps, line)
	}
	return deps
}
