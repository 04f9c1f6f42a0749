// Package resources decodes packed module resources and merges them into
// a queryable index.
//
// A Record describes one importable unit: interpreted module code, a
// native extension image, or a bundle of non-code resource files. Records
// come from three interchangeable backends:
//
//	BlobSource    - the packed-resource binary format (zero-copy views)
//	ArchiveSource - a zip archive, members decompressed lazily
//	FSSource      - any io/fs.FS tree, including embed.FS
//
// # Packed blob format
//
// The blob is a fixed header, a table of fixed-size record descriptors,
// and a contiguous heap of field data addressed by (offset, length)
// pairs. Decoding validates the magic value, the format version and
// every offset/length pair against the heap bounds; a truncated or
// corrupted blob fails closed with a decode-phase error. Field data is
// not copied: records view the heap directly, so a source must outlive
// its records. BlobWriter produces the same format, optionally with a
// zstd-compressed heap.
//
// # Index
//
// An Index merges sources under explicit precedence:
//
//	idx := resources.NewIndex()
//	idx.RegisterSource(blob, 10)
//	idx.RegisterSource(archive, 5)
//	rec, err := idx.Resolve("pkg.mod") // blob wins conflicts
//
// Lookups return the first match in precedence order and never merge
// fields across sources. Absence is signalled with a not-found error
// (errors.IsNotFound), which callers in the import chain convert to a
// negative result rather than a failure.
//
// # Thread safety
//
// Sources and the Index are safe for concurrent readers after
// construction. Lazy decompression inside ArchiveSource collapses
// concurrent first reads of one member into a single decompression.
package resources
