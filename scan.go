package zipkit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/zipkit/internal/record"
)

// formatError maps record decoding failures onto ErrFormat.
func formatError(what string, off int64, err error) error {
	if errors.Is(err, record.ErrTruncated) || errors.Is(err, record.ErrSignature) {
		return fmt.Errorf("%w: %s at offset %d: %w", ErrFormat, what, off, err)
	}
	if errors.Is(err, ErrFormat) {
		return err
	}
	return fmt.Errorf("read %s at offset %d: %w", what, off, err)
}

// keep reports whether e belongs in the index.
func (r *Reader) keep(e Entry) bool {
	if e.Path == "" {
		return false
	}
	if r.rules.Excluded(e.Path) {
		r.log().Debug("excluded entry", "path", e.Path)
		return false
	}
	return true
}

// stopsAt reports whether indexing should halt after e.
func (r *Reader) stopsAt(e Entry) bool {
	return r.stopAt != "" && strings.EqualFold(e.Path, r.stopAt)
}

// walkCentralDirectory builds the index from the central directory. found is
// false when no end of central directory record sits in the final
// record.MaxCommentLen+22 bytes.
func (r *Reader) walkCentralDirectory(src ByteSource) (idx *EntryIndex, comment string, found bool, err error) {
	size := src.Size()
	eocd, eocdOff, found, err := record.FindEndOfCentralDirectory(src, size, record.MaxCommentLen)
	if err != nil {
		return nil, "", false, formatError("end of central directory", size, err)
	}
	if !found {
		return nil, "", false, nil
	}

	cdOff := int64(eocd.CentralDirOffset)
	cdEnd := cdOff + int64(eocd.CentralDirSize)
	if cdEnd > eocdOff {
		return nil, "", true, fmt.Errorf("%w: central directory [%d, %d) overlaps end record at %d",
			ErrFormat, cdOff, cdEnd, eocdOff)
	}
	avail := eocdOff - cdOff
	if need := int64(eocd.TotalEntries) * record.CentralDirectoryLen; need > avail {
		return nil, "", true, fmt.Errorf("%w: %d central directory entries need %d bytes, %d available",
			ErrFormat, eocd.TotalEntries, need, avail)
	}

	buf := make([]byte, avail)
	if err := readFullAt(src, buf, cdOff); err != nil {
		return nil, "", true, formatError("central directory", cdOff, err)
	}

	idx = newEntryIndex()
	pos := 0
	for pos+4 <= len(buf) && binary.LittleEndian.Uint32(buf[pos:]) == record.CentralDirectorySignature {
		h, n, err := record.DecodeCentralDirectoryHeader(buf[pos:])
		if err != nil {
			return nil, "", true, formatError("central directory header", cdOff+int64(pos), err)
		}
		pos += n

		e := entryFromCentral(&h)
		if !r.keep(e) {
			continue
		}
		// Only the payload offset is taken from the local header; the
		// central directory copy of every other field wins.
		_, dataOff, err := record.ReadLocalFileHeader(src, e.HeaderOffset)
		if err != nil {
			return nil, "", true, formatError("local file header for "+e.Path, e.HeaderOffset, err)
		}
		e.DataOffset = dataOff
		idx.put(e)
		if r.stopsAt(e) {
			r.log().Debug("stopped at entry", "path", e.Path)
			break
		}
	}
	return idx, eocd.Comment, true, nil
}

// scanLocalHeaders builds the index by walking local file headers from
// offset zero, stepping over any size trailer between entries. The scan
// ends at the first position where no further header can be found.
func (r *Reader) scanLocalHeaders(src ByteSource) (*EntryIndex, error) {
	size := src.Size()
	if size < 4 {
		return nil, fmt.Errorf("%w: archive too short (%d bytes)", ErrFormat, size)
	}
	idx := newEntryIndex()
	var off int64
	for off >= 0 && off < size {
		sig, ok := record.PeekSignature(src, off)
		if !ok {
			break
		}
		if sig != record.LocalFileHeaderSignature {
			if off == 0 && sig != record.CentralDirectorySignature && sig != record.EndOfCentralDirSignature {
				return nil, fmt.Errorf("%w: no local file header at offset 0", ErrFormat)
			}
			break
		}
		h, dataOff, err := record.ReadLocalFileHeader(src, off)
		if err != nil {
			return nil, formatError("local file header", off, err)
		}
		e := entryFromLocal(&h, off, dataOff)
		next := dataOff + int64(h.CompressedSize)
		if next > size {
			return nil, fmt.Errorf("%w: entry %q payload ends at %d past archive end %d", ErrFormat, e.Path, next, size)
		}
		if r.keep(e) {
			idx.put(e)
			if r.stopsAt(e) {
				r.log().Debug("stopped at entry", "path", e.Path)
				return idx, nil
			}
		}
		off = nextLocalHeader(src, next, &h)
	}
	return idx, nil
}

// nextLocalHeader returns the offset of the header following the payload
// of h that ends at off, or -1 when the scan should stop. A trailer that
// repeats h's checksum and sizes is skipped first: its leading four bytes
// are a CRC and may read as any signature. Otherwise the next header is
// expected at off, then past a 12-byte trailer or a signed 16-byte data
// descriptor.
func nextLocalHeader(src ByteSource, off int64, h *record.LocalFileHeader) int64 {
	var buf [record.DataDescriptorLen]byte
	n, _ := src.ReadAt(buf[:], off)
	b := buf[:n]
	signed := len(b) >= 4 && binary.LittleEndian.Uint32(b) == record.DataDescriptorSignature

	trailer := off + record.TrailerLen
	descriptor := off + record.DataDescriptorLen
	switch {
	case repeatsHeader(b, h) && isLocalHeader(src, trailer):
		return trailer
	case signed && repeatsHeader(b[4:], h) && isLocalHeader(src, descriptor):
		return descriptor
	case isLocalHeader(src, off):
		return off
	case signed && h.Flags&record.FlagDataDescriptor != 0 && isLocalHeader(src, descriptor):
		return descriptor
	case isLocalHeader(src, trailer):
		return trailer
	case signed && isLocalHeader(src, descriptor):
		return descriptor
	}
	return -1
}

// repeatsHeader reports whether b starts with h's CRC-32, compressed size
// and uncompressed size.
func repeatsHeader(b []byte, h *record.LocalFileHeader) bool {
	return len(b) >= record.TrailerLen &&
		binary.LittleEndian.Uint32(b[0:4]) == h.CRC32 &&
		binary.LittleEndian.Uint32(b[4:8]) == h.CompressedSize &&
		binary.LittleEndian.Uint32(b[8:12]) == h.UncompressedSize
}

func isLocalHeader(src ByteSource, off int64) bool {
	sig, ok := record.PeekSignature(src, off)
	return ok && sig == record.LocalFileHeaderSignature
}
