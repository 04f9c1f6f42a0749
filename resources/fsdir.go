package resources

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/starpack/starpack/errors"
)

// FSSource serves records from any io/fs.FS tree, including embed.FS and
// os.DirFS. It recognizes the same member layout as ArchiveSource. File
// content is read only when a record or resource is first requested.
type FSSource struct {
	label   string
	fsys    fs.FS
	entries map[string]*fsEntry
	resDirs map[string]map[string]string
	names   []string

	mu    sync.Mutex
	built map[string]*Record
}

type fsEntry struct {
	isPackage bool
	kind      PayloadKind
	source    string
	code      string
	payload   string
	deps      string
}

// NewFSSource walks fsys and indexes its files. Content is not read
// until resolution time.
func NewFSSource(label string, fsys fs.FS) (*FSSource, error) {
	src := &FSSource{
		label:   label,
		fsys:    fsys,
		entries: make(map[string]*fsEntry),
		resDirs: make(map[string]map[string]string),
		built:   make(map[string]*Record),
	}

	var resFiles []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := path.Ext(p)
		switch ext {
		case extSource, extCompiled, extWASM, extShared, extDeps:
			name, err := moduleNameFromPath(p)
			if err != nil {
				return err
			}
			entry := src.entries[name]
			if entry == nil {
				entry = &fsEntry{}
				src.entries[name] = entry
			}
			switch ext {
			case extSource:
				entry.source = p
			case extCompiled:
				entry.code = p
			case extWASM:
				entry.kind = PayloadWASM
				entry.payload = p
			case extShared:
				entry.kind = PayloadSharedObject
				entry.payload = p
			case extDeps:
				entry.deps = p
			}
			if strings.TrimSuffix(path.Base(p), ext) == packageMarker {
				entry.isPackage = true
			}
		default:
			resFiles = append(resFiles, p)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*errors.Error); ok {
			return nil, err
		}
		return nil, errors.Malformed(errors.PhaseIndex, "walk filesystem source", err)
	}

	for name, entry := range src.entries {
		if entry.deps != "" && entry.payload == "" {
			return nil, errors.Malformed(errors.PhaseIndex, "dependency sidecar without payload for "+name, nil)
		}
		for parent := parentName(name); parent != ""; parent = parentName(parent) {
			pe := src.entries[parent]
			if pe == nil {
				pe = &fsEntry{}
				src.entries[parent] = pe
			}
			pe.isPackage = true
		}
	}

	for _, p := range resFiles {
		pkg, rel := src.splitResourcePath(p)
		if rel == "" {
			continue
		}
		dir := src.resDirs[pkg]
		if dir == nil {
			dir = make(map[string]string)
			src.resDirs[pkg] = dir
		}
		dir[rel] = p
	}

	names := make([]string, 0, len(src.entries))
	for name := range src.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	src.names = names
	return src, nil
}

func (s *FSSource) splitResourcePath(p string) (pkg, rel string) {
	dir := path.Dir(p)
	for dir != "." && dir != "/" {
		name := strings.ReplaceAll(dir, "/", ".")
		if e, ok := s.entries[name]; ok && e.isPackage {
			return name, p[len(dir)+1:]
		}
		dir = path.Dir(dir)
	}
	return "", p
}

// Label implements Source.
func (s *FSSource) Label() string { return s.label }

// Names implements Source.
func (s *FSSource) Names() []string { return s.names }

// Resolve implements Source.
func (s *FSSource) Resolve(name string) (*Record, error) {
	s.mu.Lock()
	if s.built == nil {
		s.mu.Unlock()
		return nil, errors.Closed(errors.PhaseIndex, "filesystem source")
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
	} else if s.built != nil {
		s.built[name] = rec
	}
	s.mu.Unlock()
	return rec, nil
}

func (s *FSSource) buildRecord(name string, entry *fsEntry) (*Record, error) {
	rec := &Record{
		Name:        name,
		IsPackage:   entry.isPackage,
		PayloadKind: entry.kind,
		Origin:      s.label + ":" + name,
	}
	var err error
	if entry.code != "" {
		if rec.Code, err = s.readFile(entry.code); err != nil {
			return nil, err
		}
	}
	if entry.source != "" {
		if rec.Source, err = s.readFile(entry.source); err != nil {
			return nil, err
		}
	}
	if entry.payload != "" {
		if rec.Payload, err = s.readFile(entry.payload); err != nil {
			return nil, err
		}
	}
	if entry.deps != "" {
		raw, err := s.readFile(entry.deps)
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

func (s *FSSource) resourceReader(pkg string, dir map[string]string) func(string) ([]byte, error) {
	return func(name string) ([]byte, error) {
		p, ok := dir[name]
		if !ok {
			return nil, errors.NotFound(errors.PhaseIndex, "resource", pkg+"/"+name)
		}
		return s.readFile(p)
	}
}

func (s *FSSource) readFile(p string) ([]byte, error) {
	data, err := fs.ReadFile(s.fsys, p)
	if err != nil {
		return nil, errors.Malformed(errors.PhaseIndex, "read "+p, err)
	}
	return data, nil
}

// Close implements Source.
func (s *FSSource) Close() error {
	s.mu.Lock()
	s.built = nil
	s.mu.Unlock()
	return nil
}
