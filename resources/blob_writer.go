package resources

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/starpack/starpack/errors"
)

// BlobWriter assembles records into the packed-resource binary format.
// Records are emitted in the order they were added.
type BlobWriter struct {
	records []writerRecord
	names   map[string]struct{}

	// CompressHeap enables zstd compression of the data heap. Readers
	// decompress it once at decode time.
	CompressHeap bool
}

type writerRecord struct {
	rec       Record
	resources map[string][]byte
}

// NewBlobWriter creates an empty writer.
func NewBlobWriter() *BlobWriter {
	return &BlobWriter{names: make(map[string]struct{})}
}

// Add appends a record. Resource file contents are taken from resources
// (the record's own lazy accessors are ignored). Records must satisfy the
// same invariants the decoder enforces; names must be unique.
func (w *BlobWriter) Add(rec Record, resources map[string][]byte) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, dup := w.names[rec.Name]; dup {
		return errors.InvalidRecord(errors.PhaseIndex, rec.Name, "duplicate record name")
	}
	w.names[rec.Name] = struct{}{}
	w.records = append(w.records, writerRecord{rec: rec, resources: resources})
	return nil
}

// WriteTo serializes the blob.
func (w *BlobWriter) WriteTo(out io.Writer) (int64, error) {
	data, err := w.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := out.Write(data)
	return int64(n), err
}

// Bytes serializes the blob into a new buffer.
func (w *BlobWriter) Bytes() ([]byte, error) {
	var heap []byte
	place := func(b []byte) (uint32, uint32) {
		off := uint32(len(heap))
		heap = append(heap, b...)
		return off, uint32(len(b))
	}

	table := make([]byte, 0, len(w.records)*descriptorSize)
	for _, wr := range w.records {
		rec := wr.rec
		desc := make([]byte, descriptorSize)

		var flags uint32
		if rec.IsPackage {
			flags |= recFlagPackage
		}
		flags |= uint32(rec.PayloadKind) << payloadKindBits

		putPair := func(at int, off, length uint32) {
			binary.LittleEndian.PutUint32(desc[at:at+4], off)
			binary.LittleEndian.PutUint32(desc[at+4:at+8], length)
		}

		off, length := place([]byte(rec.Name))
		putPair(4, off, length)

		if rec.Code != nil {
			flags |= recFlagCode
			off, length = place(rec.Code)
			putPair(12, off, length)
		}
		if rec.Source != nil {
			flags |= recFlagSource
			off, length = place(rec.Source)
			putPair(20, off, length)
		}
		if len(wr.resources) > 0 {
			flags |= recFlagResTable
			off, length = w.placeResourceTable(&heap, wr.resources)
			putPair(28, off, length)
		}
		if rec.Payload != nil {
			flags |= recFlagPayload
			off, length = place(rec.Payload)
			putPair(36, off, length)
		}
		if len(rec.Dependencies) > 0 {
			flags |= recFlagDeps
			off, length = w.placeDeps(&heap, rec.Dependencies)
			putPair(44, off, length)
		}

		binary.LittleEndian.PutUint32(desc[0:4], flags)
		table = append(table, desc...)
	}

	header := make([]byte, blobHeaderSize)
	copy(header[0:4], blobMagic)
	binary.LittleEndian.PutUint16(header[4:6], blobVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(w.records)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(heap)))

	if w.CompressHeap {
		binary.LittleEndian.PutUint16(header[6:8], blobFlagZstd)
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Malformed(errors.PhaseDecode, "zstd encoder", err)
		}
		heap = enc.EncodeAll(heap, nil)
		if err := enc.Close(); err != nil {
			return nil, errors.Malformed(errors.PhaseDecode, "compress heap", err)
		}
	}

	blob := make([]byte, 0, len(header)+len(table)+len(heap))
	blob = append(blob, header...)
	blob = append(blob, table...)
	blob = append(blob, heap...)
	return blob, nil
}

// placeResourceTable emits resource file contents followed by the entry
// table, returning the table's position in the heap.
func (w *BlobWriter) placeResourceTable(heap *[]byte, files map[string][]byte) (uint32, uint32) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	type placed struct{ nameOff, nameLen, dataOff, dataLen uint32 }
	entries := make([]placed, 0, len(names))
	for _, name := range names {
		nameOff := uint32(len(*heap))
		*heap = append(*heap, name...)
		dataOff := uint32(len(*heap))
		*heap = append(*heap, files[name]...)
		entries = append(entries, placed{nameOff, uint32(len(name)), dataOff, uint32(len(files[name]))})
	}

	table := make([]byte, 4+len(entries)*16)
	binary.LittleEndian.PutUint32(table[0:4], uint32(len(entries)))
	for i, e := range entries {
		at := 4 + i*16
		binary.LittleEndian.PutUint32(table[at:at+4], e.nameOff)
		binary.LittleEndian.PutUint32(table[at+4:at+8], e.nameLen)
		binary.LittleEndian.PutUint32(table[at+8:at+12], e.dataOff)
		binary.LittleEndian.PutUint32(table[at+12:at+16], e.dataLen)
	}

	off := uint32(len(*heap))
	*heap = append(*heap, table...)
	return off, uint32(len(table))
}

func (w *BlobWriter) placeDeps(heap *[]byte, deps []string) (uint32, uint32) {
	type placed struct{ off, length uint32 }
	entries := make([]placed, 0, len(deps))
	for _, dep := range deps {
		off := uint32(len(*heap))
		*heap = append(*heap, dep...)
		entries = append(entries, placed{off, uint32(len(dep))})
	}

	table := make([]byte, 4+len(entries)*8)
	binary.LittleEndian.PutUint32(table[0:4], uint32(len(entries)))
	for i, e := range entries {
		at := 4 + i*8
		binary.LittleEndian.PutUint32(table[at:at+4], e.off)
		binary.LittleEndian.PutUint32(table[at+4:at+8], e.length)
	}

	off := uint32(len(*heap))
	*heap = append(*heap, table...)
	return off, uint32(len(table))
}
