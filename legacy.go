package zipkit

import (
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/meigma/zipkit/internal/record"
	"github.com/meigma/zipkit/internal/sizing"
)

// legacyVersion is written as both version made by and version needed.
const legacyVersion = 20

// legacyBackend writes every record itself. Each entry is a local header
// with sizes filled in, the payload, and an unsigned 12-byte copy of the
// CRC and sizes. Central directory records are buffered until close.
type legacyBackend struct {
	w       *sizing.OffsetWriter
	level   int
	central []byte
	entries int
	scratch []byte
}

func newLegacyBackend(w io.Writer, level int) *legacyBackend {
	return &legacyBackend{w: &sizing.OffsetWriter{W: w}, level: level}
}

func (b *legacyBackend) addFile(e fileItem) error {
	payload, method, err := encodePayload(e, b.level)
	if err != nil {
		return err
	}
	csize, err := sizing.ToUint32(int64(len(payload)), ErrSizeOverflow)
	if err != nil {
		return fmt.Errorf("%s: compressed size %d: %w", e.Name, len(payload), err)
	}
	usize, err := sizing.ToUint32(int64(len(e.Data)), ErrSizeOverflow)
	if err != nil {
		return fmt.Errorf("%s: size %d: %w", e.Name, len(e.Data), err)
	}
	return b.write(e.Name, method, crc32.ChecksumIEEE(e.Data), csize, usize, payload, e.Modified, 0)
}

func (b *legacyBackend) addDir(name string, modified time.Time) error {
	return b.write(name, uint16(Store), 0, 0, 0, nil, modified, record.ExternalAttrDirectory)
}

func (b *legacyBackend) write(name string, method uint16, crc, csize, usize uint32, payload []byte, modified time.Time, attrs uint32) error {
	if b.entries >= math.MaxUint16 {
		return fmt.Errorf("%w: more than %d entries", ErrSizeOverflow, math.MaxUint16)
	}
	offset, err := b.w.Offset32()
	if err != nil {
		return fmt.Errorf("%w: local header offset for %s", ErrSizeOverflow, name)
	}
	date, clock := record.FromTime(modified)
	lfh := record.LocalFileHeader{
		VersionNeeded:    legacyVersion,
		Method:           method,
		ModTime:          clock,
		ModDate:          date,
		CRC32:            crc,
		CompressedSize:   csize,
		UncompressedSize: usize,
		Name:             name,
	}
	b.scratch, err = lfh.Append(b.scratch[:0])
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSizeOverflow, name, err)
	}
	if _, err := b.w.Write(b.scratch); err != nil {
		return err
	}
	if _, err := b.w.Write(payload); err != nil {
		return err
	}
	b.scratch = record.AppendTrailer(b.scratch[:0], crc, csize, usize)
	if _, err := b.w.Write(b.scratch); err != nil {
		return err
	}

	cd := record.CentralDirectoryHeader{
		VersionMadeBy:     legacyVersion,
		VersionNeeded:     legacyVersion,
		Method:            method,
		ModTime:           clock,
		ModDate:           date,
		CRC32:             crc,
		CompressedSize:    csize,
		UncompressedSize:  usize,
		ExternalAttrs:     attrs,
		LocalHeaderOffset: offset,
		Name:              name,
	}
	b.central, err = cd.Append(b.central)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSizeOverflow, name, err)
	}
	b.entries++
	return nil
}

func (b *legacyBackend) close(comment string) error {
	cdOffset, err := b.w.Offset32()
	if err != nil {
		return fmt.Errorf("%w: central directory offset", ErrSizeOverflow)
	}
	cdSize, err := sizing.ToUint32(int64(len(b.central)), ErrSizeOverflow)
	if err != nil {
		return fmt.Errorf("central directory size: %w", err)
	}
	if int64(cdOffset)+int64(cdSize) > math.MaxUint32 {
		return fmt.Errorf("%w: archive larger than 4 GiB", ErrSizeOverflow)
	}
	count, err := sizing.ToUint16(b.entries, ErrSizeOverflow)
	if err != nil {
		return fmt.Errorf("entry count: %w", err)
	}
	eocd := record.EndOfCentralDirectory{
		EntriesOnDisk:    count,
		TotalEntries:     count,
		CentralDirSize:   cdSize,
		CentralDirOffset: cdOffset,
		Comment:          comment,
	}
	out, err := eocd.Append(b.central)
	if err != nil {
		return fmt.Errorf("archive comment: %w", err)
	}
	_, err = b.w.Write(out)
	return err
}
