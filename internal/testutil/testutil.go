// Package testutil builds ZIP archives byte by byte for tests, including
// layouts no production writer emits.
package testutil

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync/atomic"
	"time"

	"github.com/meigma/zipkit/internal/record"
)

// ByteSource is an in-memory ByteSource that counts ReadAt calls.
type ByteSource struct {
	data  []byte
	reads atomic.Int64
}

// NewByteSource returns a byte source backed by data.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (s *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	s.reads.Add(1)
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the backing data.
func (s *ByteSource) Size() int64 {
	return int64(len(s.data))
}

// Reads returns the number of ReadAt calls made so far.
func (s *ByteSource) Reads() int64 {
	return s.reads.Load()
}

// Entry describes one record written by Build.
type Entry struct {
	Name   string
	Method uint16
	// Payload is written verbatim as the entry data.
	Payload []byte
	// CRC32 and Size describe the uncompressed content. Stored computes them.
	CRC32 uint32
	Size  uint32
	// Dir sets the directory external attribute.
	Dir bool
	// Descriptor sets flag bit 3 and writes a signed 16-byte data descriptor.
	Descriptor bool
	// Trailer writes an unsigned 12-byte CRC/size block after the payload.
	Trailer bool
	// Flags are added to the general purpose bits of both headers.
	Flags    uint16
	Modified time.Time
}

// Stored returns a Store entry holding data.
func Stored(name string, data []byte) Entry {
	return Entry{
		Name:    name,
		Payload: data,
		CRC32:   crc32.ChecksumIEEE(data),
		Size:    uint32(len(data)), //nolint:gosec // test data is small
	}
}

// Dir returns a directory entry. The name is written as given.
func Dir(name string) Entry {
	return Entry{Name: name, Dir: true}
}

// Options controls the archive layout produced by Build.
type Options struct {
	// OmitCentralDirectory leaves out the central directory and EOCD,
	// which forces readers onto the sequential scan.
	OmitCentralDirectory bool
	// TotalEntries overrides the EOCD entry count when non-zero.
	TotalEntries uint16
	Comment      string
}

// Build assembles an archive from entries.
func Build(entries []Entry, opts Options) []byte {
	var out []byte
	var central []byte
	modDate, modTime := record.FromTime(time.Date(2024, time.January, 2, 3, 4, 6, 0, time.UTC))
	for _, e := range entries {
		date, clock := modDate, modTime
		if !e.Modified.IsZero() {
			date, clock = record.FromTime(e.Modified)
		}
		flags := e.Flags
		if e.Descriptor {
			flags |= record.FlagDataDescriptor
		}
		offset := uint32(len(out)) //nolint:gosec // test data is small
		lfh := record.LocalFileHeader{
			VersionNeeded:    20,
			Flags:            flags,
			Method:           e.Method,
			ModTime:          clock,
			ModDate:          date,
			CRC32:            e.CRC32,
			CompressedSize:   uint32(len(e.Payload)), //nolint:gosec // test data is small
			UncompressedSize: e.Size,
			Name:             e.Name,
		}
		out, _ = lfh.Append(out)
		out = append(out, e.Payload...)
		switch {
		case e.Descriptor:
			out = binary.LittleEndian.AppendUint32(out, record.DataDescriptorSignature)
			out = record.AppendTrailer(out, e.CRC32, lfh.CompressedSize, e.Size)
		case e.Trailer:
			out = record.AppendTrailer(out, e.CRC32, lfh.CompressedSize, e.Size)
		}
		var attrs uint32
		if e.Dir {
			attrs = record.ExternalAttrDirectory
		}
		cd := record.CentralDirectoryHeader{
			VersionMadeBy:     20,
			VersionNeeded:     20,
			Flags:             flags,
			Method:            e.Method,
			ModTime:           clock,
			ModDate:           date,
			CRC32:             e.CRC32,
			CompressedSize:    lfh.CompressedSize,
			UncompressedSize:  e.Size,
			ExternalAttrs:     attrs,
			LocalHeaderOffset: offset,
			Name:              e.Name,
		}
		central, _ = cd.Append(central)
	}
	if opts.OmitCentralDirectory {
		return out
	}
	total := uint16(len(entries)) //nolint:gosec // test data is small
	if opts.TotalEntries != 0 {
		total = opts.TotalEntries
	}
	eocd := record.EndOfCentralDirectory{
		EntriesOnDisk:    total,
		TotalEntries:     total,
		CentralDirSize:   uint32(len(central)), //nolint:gosec // test data is small
		CentralDirOffset: uint32(len(out)),     //nolint:gosec // test data is small
		Comment:          opts.Comment,
	}
	out = append(out, central...)
	out, _ = eocd.Append(out)
	return out
}

// Bzip2Hello is the bzip2 stream for Bzip2HelloText.
var Bzip2Hello = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xa4, 0x53,
	0x4a, 0x50, 0x00, 0x00, 0x03, 0xd9, 0x80, 0x00, 0x10, 0x40, 0x00, 0x10,
	0x00, 0x16, 0x64, 0xd0, 0x90, 0x20, 0x00, 0x22, 0x98, 0x13, 0x68, 0x6a,
	0x10, 0x00, 0x01, 0xc3, 0xdc, 0x58, 0xf1, 0xdc, 0x8e, 0x13, 0x80, 0xfc,
	0x5d, 0xc9, 0x14, 0xe1, 0x42, 0x42, 0x91, 0x4d, 0x29, 0x40,
}

// Bzip2HelloText is the plain text compressed in Bzip2Hello.
const Bzip2HelloText = "hello bzip2 world\n"

// Bzip2Entry returns a Bzip2 entry holding Bzip2HelloText.
func Bzip2Entry(name string) Entry {
	return Entry{
		Name:    name,
		Method:  12,
		Payload: Bzip2Hello,
		CRC32:   crc32.ChecksumIEEE([]byte(Bzip2HelloText)),
		Size:    uint32(len(Bzip2HelloText)),
	}
}
