package resources

import (
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/starpack/starpack/errors"
)

// Packed blob layout, version 1, little-endian:
//
//	header (16 bytes)
//	  [0:4)   magic "SPKR"
//	  [4:6)   format version
//	  [6:8)   flags (bit 0: heap is zstd-compressed)
//	  [8:12)  record count
//	  [12:16) heap length (uncompressed)
//	descriptor table (record count x 52 bytes)
//	  [0:4)   record flags (bit 0: package; bits 1-5: field presence;
//	          bits 8-15: payload kind)
//	  [4:12)  name offset, length
//	  [12:20) code offset, length
//	  [20:28) source offset, length
//	  [28:36) resource table offset, length
//	  [36:44) payload offset, length
//	  [44:52) dependency table offset, length
//	heap (variable-length field data, referenced by offset)
//
// A resource table is a u32 entry count followed by 16-byte entries of
// (name offset, name length, data offset, data length). A dependency
// table is a u32 entry count followed by 8-byte (offset, length) pairs.
// All offsets address the uncompressed heap.
const (
	blobMagic       = "SPKR"
	blobVersion     = 1
	blobHeaderSize  = 16
	descriptorSize  = 52
	blobFlagZstd    = 1 << 0
	recFlagPackage  = 1 << 0
	recFlagCode     = 1 << 1
	recFlagSource   = 1 << 2
	recFlagResTable = 1 << 3
	recFlagPayload  = 1 << 4
	recFlagDeps     = 1 << 5
	payloadKindMask = 0xFF00
	payloadKindBits = 8
)

// BlobSource decodes the packed-resource binary format into records.
//
// Decoding does not copy field data: records hold views into the decoded
// heap, so the source must outlive every record it produced. The heap is
// the caller's buffer when uncompressed, or a buffer owned by the source
// when the blob was written with zstd heap compression.
type BlobSource struct {
	label   string
	heap    []byte
	records map[string]*Record
	names   []string
}

// NewBlobSource parses data as a packed-resource blob. The buffer is
// retained; callers must not modify it afterwards.
//
// A bad magic value, an unsupported version, or any offset/length pair
// falling outside the heap fails with a decode-phase error and leaves no
// partially-built source behind.
func NewBlobSource(data []byte) (*BlobSource, error) {
	return NewLabeledBlobSource("blob", data)
}

// NewLabeledBlobSource is NewBlobSource with an explicit label used in
// record origins, for embedders that register several blobs.
func NewLabeledBlobSource(label string, data []byte) (*BlobSource, error) {
	if len(data) < blobHeaderSize {
		return nil, errors.Truncated("blob header", blobHeaderSize, len(data))
	}
	if string(data[0:4]) != blobMagic {
		return nil, errors.BadMagic(string(data[0:4]), blobMagic)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != blobVersion {
		return nil, errors.UnsupportedVersion(version, blobVersion)
	}
	flags := binary.LittleEndian.Uint16(data[6:8])
	count := binary.LittleEndian.Uint32(data[8:12])
	heapLen := binary.LittleEndian.Uint32(data[12:16])

	tableLen := int64(count) * descriptorSize
	heapStart := int64(blobHeaderSize) + tableLen
	if heapStart > int64(len(data)) {
		return nil, errors.Truncated("descriptor table", int(heapStart), len(data))
	}
	table := data[blobHeaderSize:heapStart]

	heap, err := decodeHeap(data[heapStart:], flags, heapLen)
	if err != nil {
		return nil, err
	}

	src := &BlobSource{
		label:   label,
		heap:    heap,
		records: make(map[string]*Record, count),
	}
	for i := uint32(0); i < count; i++ {
		desc := table[int64(i)*descriptorSize : int64(i+1)*descriptorSize]
		rec, err := src.decodeRecord(desc)
		if err != nil {
			return nil, err
		}
		if _, dup := src.records[rec.Name]; dup {
			return nil, errors.Malformed(errors.PhaseDecode, "duplicate record name "+rec.Name, nil)
		}
		src.records[rec.Name] = rec
	}
	src.names = sortedNames(src.records)
	return src, nil
}

func decodeHeap(rest []byte, flags uint16, heapLen uint32) ([]byte, error) {
	if flags&blobFlagZstd == 0 {
		if int64(heapLen) > int64(len(rest)) {
			return nil, errors.Truncated("heap", int(heapLen), len(rest))
		}
		return rest[:heapLen], nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, errors.Malformed(errors.PhaseDecode, "zstd decoder", err)
	}
	defer dec.Close()
	heap, err := dec.DecodeAll(rest, make([]byte, 0, heapLen))
	if err != nil {
		return nil, errors.Malformed(errors.PhaseDecode, "decompress heap", err)
	}
	if uint32(len(heap)) != heapLen {
		return nil, errors.Truncated("decompressed heap", int(heapLen), len(heap))
	}
	return heap, nil
}

func (s *BlobSource) decodeRecord(desc []byte) (*Record, error) {
	recFlags := binary.LittleEndian.Uint32(desc[0:4])

	name, err := s.field(desc, 4, "record name", "name")
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Name:        string(name),
		IsPackage:   recFlags&recFlagPackage != 0,
		PayloadKind: PayloadKind((recFlags & payloadKindMask) >> payloadKindBits),
		Origin:      s.label + ":" + string(name),
	}
	if err := ValidateName(rec.Name); err != nil {
		return nil, errors.Malformed(errors.PhaseDecode, "record name", err)
	}

	if recFlags&recFlagCode != 0 {
		if rec.Code, err = s.field(desc, 12, rec.Name, "code"); err != nil {
			return nil, err
		}
	}
	if recFlags&recFlagSource != 0 {
		if rec.Source, err = s.field(desc, 20, rec.Name, "source"); err != nil {
			return nil, err
		}
	}
	if recFlags&recFlagResTable != 0 {
		table, err := s.field(desc, 28, rec.Name, "resource table")
		if err != nil {
			return nil, err
		}
		files, err := s.decodeResourceTable(rec.Name, table)
		if err != nil {
			return nil, err
		}
		rec.resourceNames = sortedResourceNames(files)
		rec.readResource = eagerResourceReader(rec.Name, files)
	}
	if recFlags&recFlagPayload != 0 {
		if rec.Payload, err = s.field(desc, 36, rec.Name, "payload"); err != nil {
			return nil, err
		}
	}
	if recFlags&recFlagDeps != 0 {
		table, err := s.field(desc, 44, rec.Name, "dependency table")
		if err != nil {
			return nil, err
		}
		if rec.Dependencies, err = s.decodeDeps(rec.Name, table); err != nil {
			return nil, err
		}
	}

	if err := rec.Validate(); err != nil {
		return nil, errors.Malformed(errors.PhaseDecode, "record "+rec.Name, err)
	}
	return rec, nil
}

// field returns the heap view for the (offset, length) pair at desc[at:at+8].
func (s *BlobSource) field(desc []byte, at int, name, what string) ([]byte, error) {
	off := binary.LittleEndian.Uint32(desc[at : at+4])
	length := binary.LittleEndian.Uint32(desc[at+4 : at+8])
	end := uint64(off) + uint64(length)
	if end > uint64(len(s.heap)) {
		return nil, errors.OutOfBounds(name, what, off, length, len(s.heap))
	}
	return s.heap[off:end:end], nil
}

func (s *BlobSource) decodeResourceTable(name string, table []byte) (map[string][]byte, error) {
	if len(table) < 4 {
		return nil, errors.Truncated("resource table of "+name, 4, len(table))
	}
	count := binary.LittleEndian.Uint32(table[0:4])
	need := 4 + int64(count)*16
	if need > int64(len(table)) {
		return nil, errors.Truncated("resource table of "+name, int(need), len(table))
	}
	files := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		entry := table[4+int64(i)*16 : 4+int64(i+1)*16]
		fname, err := s.field(entry, 0, name, "resource name")
		if err != nil {
			return nil, err
		}
		data, err := s.field(entry, 8, name, "resource data")
		if err != nil {
			return nil, err
		}
		files[string(fname)] = data
	}
	return files, nil
}

func (s *BlobSource) decodeDeps(name string, table []byte) ([]string, error) {
	if len(table) < 4 {
		return nil, errors.Truncated("dependency table of "+name, 4, len(table))
	}
	count := binary.LittleEndian.Uint32(table[0:4])
	need := 4 + int64(count)*8
	if need > int64(len(table)) {
		return nil, errors.Truncated("dependency table of "+name, int(need), len(table))
	}
	deps := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := table[4+int64(i)*8 : 4+int64(i+1)*8]
		dep, err := s.field(entry, 0, name, "dependency name")
		if err != nil {
			return nil, err
		}
		deps = append(deps, string(dep))
	}
	return deps, nil
}

// Label implements Source.
func (s *BlobSource) Label() string { return s.label }

// Resolve implements Source.
func (s *BlobSource) Resolve(name string) (*Record, error) {
	rec, ok := s.records[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseIndex, "module", name)
	}
	return rec, nil
}

// Names implements Source.
func (s *BlobSource) Names() []string { return s.names }

// Close implements Source. Records decoded from this source must not be
// used afterwards.
func (s *BlobSource) Close() error {
	s.records = nil
	s.names = nil
	s.heap = nil
	return nil
}

func sortedResourceNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func eagerResourceReader(module string, files map[string][]byte) func(string) ([]byte, error) {
	return func(name string) ([]byte, error) {
		data, ok := files[name]
		if !ok {
			return nil, errors.NotFound(errors.PhaseIndex, "resource", module+"/"+name)
		}
		return data, nil
	}
}
