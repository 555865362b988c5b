// Package record encodes and decodes the fixed-layout ZIP records: local file
// headers, central directory headers, and the end of central directory record.
//
// Every record starts with a 4-byte little-endian signature. Decoders either
// return a complete, typed record or an error; short input is never turned
// into a partially populated value.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/meigma/zipkit/internal/sizing"
)

// Record signatures. Each begins with the "PK" marker.
const (
	LocalFileHeaderSignature  uint32 = 0x04034b50
	CentralDirectorySignature uint32 = 0x02014b50
	EndOfCentralDirSignature  uint32 = 0x06054b50
	DataDescriptorSignature   uint32 = 0x08074b50
)

// Fixed record sizes, excluding variable-length fields.
const (
	LocalFileHeaderLen  = 30
	CentralDirectoryLen = 46
	EndOfCentralDirLen  = 22
	TrailerLen          = 12
	DataDescriptorLen   = 16
)

// General purpose bit flags.
const (
	FlagEncrypted      uint16 = 0x1
	FlagDataDescriptor uint16 = 0x8
	FlagUTF8           uint16 = 0x800
)

// ExternalAttrDirectory is the MS-DOS directory attribute bit.
const ExternalAttrDirectory uint32 = 0x10

// MaxCommentLen is the default EOCD comment window searched by
// FindEndOfCentralDirectory.
const MaxCommentLen = 1024

var (
	// ErrSignature is returned when a record does not start with the expected signature.
	ErrSignature = errors.New("record: bad signature")

	// ErrTruncated is returned when the input ends inside a record.
	ErrTruncated = errors.New("record: truncated")

	// ErrFieldTooLong is returned when a variable-length field exceeds 65535 bytes.
	ErrFieldTooLong = errors.New("record: field too long")
)

// LocalFileHeader precedes each entry's payload.
type LocalFileHeader struct {
	VersionNeeded    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	Name             string
	Extra            []byte
}

// Len returns the encoded size of the header including variable fields.
func (h *LocalFileHeader) Len() int {
	return LocalFileHeaderLen + len(h.Name) + len(h.Extra)
}

// Append encodes h and appends it to dst.
func (h *LocalFileHeader) Append(dst []byte) ([]byte, error) {
	lens, err := fieldLens(h.Name, string(h.Extra))
	if err != nil {
		return dst, err
	}
	var buf [LocalFileHeaderLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], LocalFileHeaderSignature)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionNeeded)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint16(buf[8:10], h.Method)
	binary.LittleEndian.PutUint16(buf[10:12], h.ModTime)
	binary.LittleEndian.PutUint16(buf[12:14], h.ModDate)
	binary.LittleEndian.PutUint32(buf[14:18], h.CRC32)
	binary.LittleEndian.PutUint32(buf[18:22], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[22:26], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[26:28], lens[0])
	binary.LittleEndian.PutUint16(buf[28:30], lens[1])
	dst = append(dst, buf[:]...)
	dst = append(dst, h.Name...)
	return append(dst, h.Extra...), nil
}

// DecodeLocalFileHeader decodes a local file header from the start of b.
// It returns the header and the number of bytes it occupies, which is also
// the offset of the entry payload relative to the start of b.
func DecodeLocalFileHeader(b []byte) (LocalFileHeader, int, error) {
	if len(b) < LocalFileHeaderLen {
		return LocalFileHeader{}, 0, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[0:4]) != LocalFileHeaderSignature {
		return LocalFileHeader{}, 0, ErrSignature
	}
	nameLen := int(binary.LittleEndian.Uint16(b[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(b[28:30]))
	n := LocalFileHeaderLen + nameLen + extraLen
	if len(b) < n {
		return LocalFileHeader{}, 0, ErrTruncated
	}
	h := LocalFileHeader{
		VersionNeeded:    binary.LittleEndian.Uint16(b[4:6]),
		Flags:            binary.LittleEndian.Uint16(b[6:8]),
		Method:           binary.LittleEndian.Uint16(b[8:10]),
		ModTime:          binary.LittleEndian.Uint16(b[10:12]),
		ModDate:          binary.LittleEndian.Uint16(b[12:14]),
		CRC32:            binary.LittleEndian.Uint32(b[14:18]),
		CompressedSize:   binary.LittleEndian.Uint32(b[18:22]),
		UncompressedSize: binary.LittleEndian.Uint32(b[22:26]),
		Name:             string(b[LocalFileHeaderLen : LocalFileHeaderLen+nameLen]),
		Extra:            cloneBytes(b[LocalFileHeaderLen+nameLen : n]),
	}
	return h, n, nil
}

// ReadLocalFileHeader reads the local file header at off and returns it
// together with the absolute offset of the entry payload.
func ReadLocalFileHeader(r io.ReaderAt, off int64) (LocalFileHeader, int64, error) {
	var fixed [LocalFileHeaderLen]byte
	if err := readFullAt(r, fixed[:], off); err != nil {
		return LocalFileHeader{}, 0, err
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != LocalFileHeaderSignature {
		return LocalFileHeader{}, 0, fmt.Errorf("%w: local file header at %d", ErrSignature, off)
	}
	varLen := int(binary.LittleEndian.Uint16(fixed[26:28])) + int(binary.LittleEndian.Uint16(fixed[28:30]))
	buf := make([]byte, LocalFileHeaderLen+varLen)
	copy(buf, fixed[:])
	if err := readFullAt(r, buf[LocalFileHeaderLen:], off+LocalFileHeaderLen); err != nil {
		return LocalFileHeader{}, 0, err
	}
	h, n, err := DecodeLocalFileHeader(buf)
	if err != nil {
		return LocalFileHeader{}, 0, err
	}
	return h, off + int64(n), nil
}

// CentralDirectoryHeader is one entry of the central directory.
type CentralDirectoryHeader struct {
	VersionMadeBy     uint16
	VersionNeeded     uint16
	Flags             uint16
	Method            uint16
	ModTime           uint16
	ModDate           uint16
	CRC32             uint32
	CompressedSize    uint32
	UncompressedSize  uint32
	DiskNumberStart   uint16
	InternalAttrs     uint16
	ExternalAttrs     uint32
	LocalHeaderOffset uint32
	Name              string
	Extra             []byte
	Comment           string
}

// IsDir reports whether the record describes a directory. Both the MS-DOS
// directory attribute and a trailing slash on the name are honored.
func (h *CentralDirectoryHeader) IsDir() bool {
	return h.ExternalAttrs&ExternalAttrDirectory != 0 || strings.HasSuffix(h.Name, "/")
}

// Len returns the encoded size of the header including variable fields.
func (h *CentralDirectoryHeader) Len() int {
	return CentralDirectoryLen + len(h.Name) + len(h.Extra) + len(h.Comment)
}

// Append encodes h and appends it to dst.
func (h *CentralDirectoryHeader) Append(dst []byte) ([]byte, error) {
	lens, err := fieldLens(h.Name, string(h.Extra), h.Comment)
	if err != nil {
		return dst, err
	}
	var buf [CentralDirectoryLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], CentralDirectorySignature)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[6:8], h.VersionNeeded)
	binary.LittleEndian.PutUint16(buf[8:10], h.Flags)
	binary.LittleEndian.PutUint16(buf[10:12], h.Method)
	binary.LittleEndian.PutUint16(buf[12:14], h.ModTime)
	binary.LittleEndian.PutUint16(buf[14:16], h.ModDate)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[28:30], lens[0])
	binary.LittleEndian.PutUint16(buf[30:32], lens[1])
	binary.LittleEndian.PutUint16(buf[32:34], lens[2])
	binary.LittleEndian.PutUint16(buf[34:36], h.DiskNumberStart)
	binary.LittleEndian.PutUint16(buf[36:38], h.InternalAttrs)
	binary.LittleEndian.PutUint32(buf[38:42], h.ExternalAttrs)
	binary.LittleEndian.PutUint32(buf[42:46], h.LocalHeaderOffset)
	dst = append(dst, buf[:]...)
	dst = append(dst, h.Name...)
	dst = append(dst, h.Extra...)
	return append(dst, h.Comment...), nil
}

// DecodeCentralDirectoryHeader decodes a central directory header from the
// start of b and returns it with its encoded length.
func DecodeCentralDirectoryHeader(b []byte) (CentralDirectoryHeader, int, error) {
	if len(b) < CentralDirectoryLen {
		return CentralDirectoryHeader{}, 0, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[0:4]) != CentralDirectorySignature {
		return CentralDirectoryHeader{}, 0, ErrSignature
	}
	nameLen := int(binary.LittleEndian.Uint16(b[28:30]))
	extraLen := int(binary.LittleEndian.Uint16(b[30:32]))
	commentLen := int(binary.LittleEndian.Uint16(b[32:34]))
	n := CentralDirectoryLen + nameLen + extraLen + commentLen
	if len(b) < n {
		return CentralDirectoryHeader{}, 0, ErrTruncated
	}
	nameEnd := CentralDirectoryLen + nameLen
	extraEnd := nameEnd + extraLen
	h := CentralDirectoryHeader{
		VersionMadeBy:     binary.LittleEndian.Uint16(b[4:6]),
		VersionNeeded:     binary.LittleEndian.Uint16(b[6:8]),
		Flags:             binary.LittleEndian.Uint16(b[8:10]),
		Method:            binary.LittleEndian.Uint16(b[10:12]),
		ModTime:           binary.LittleEndian.Uint16(b[12:14]),
		ModDate:           binary.LittleEndian.Uint16(b[14:16]),
		CRC32:             binary.LittleEndian.Uint32(b[16:20]),
		CompressedSize:    binary.LittleEndian.Uint32(b[20:24]),
		UncompressedSize:  binary.LittleEndian.Uint32(b[24:28]),
		DiskNumberStart:   binary.LittleEndian.Uint16(b[34:36]),
		InternalAttrs:     binary.LittleEndian.Uint16(b[36:38]),
		ExternalAttrs:     binary.LittleEndian.Uint32(b[38:42]),
		LocalHeaderOffset: binary.LittleEndian.Uint32(b[42:46]),
		Name:              string(b[CentralDirectoryLen:nameEnd]),
		Extra:             cloneBytes(b[nameEnd:extraEnd]),
		Comment:           string(b[extraEnd:n]),
	}
	return h, n, nil
}

// EndOfCentralDirectory is the archive trailer locating the central directory.
type EndOfCentralDirectory struct {
	DiskNumber       uint16
	CentralDirDisk   uint16
	EntriesOnDisk    uint16
	TotalEntries     uint16
	CentralDirSize   uint32
	CentralDirOffset uint32
	Comment          string
}

// Append encodes e and appends it to dst.
func (e *EndOfCentralDirectory) Append(dst []byte) ([]byte, error) {
	lens, err := fieldLens(e.Comment)
	if err != nil {
		return dst, err
	}
	var buf [EndOfCentralDirLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], EndOfCentralDirSignature)
	binary.LittleEndian.PutUint16(buf[4:6], e.DiskNumber)
	binary.LittleEndian.PutUint16(buf[6:8], e.CentralDirDisk)
	binary.LittleEndian.PutUint16(buf[8:10], e.EntriesOnDisk)
	binary.LittleEndian.PutUint16(buf[10:12], e.TotalEntries)
	binary.LittleEndian.PutUint32(buf[12:16], e.CentralDirSize)
	binary.LittleEndian.PutUint32(buf[16:20], e.CentralDirOffset)
	binary.LittleEndian.PutUint16(buf[20:22], lens[0])
	dst = append(dst, buf[:]...)
	return append(dst, e.Comment...), nil
}

// DecodeEndOfCentralDirectory decodes an EOCD record from the start of b.
// A comment that runs past the end of b is an error.
func DecodeEndOfCentralDirectory(b []byte) (EndOfCentralDirectory, error) {
	if len(b) < EndOfCentralDirLen {
		return EndOfCentralDirectory{}, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[0:4]) != EndOfCentralDirSignature {
		return EndOfCentralDirectory{}, ErrSignature
	}
	commentLen := int(binary.LittleEndian.Uint16(b[20:22]))
	if len(b) < EndOfCentralDirLen+commentLen {
		return EndOfCentralDirectory{}, ErrTruncated
	}
	return EndOfCentralDirectory{
		DiskNumber:       binary.LittleEndian.Uint16(b[4:6]),
		CentralDirDisk:   binary.LittleEndian.Uint16(b[6:8]),
		EntriesOnDisk:    binary.LittleEndian.Uint16(b[8:10]),
		TotalEntries:     binary.LittleEndian.Uint16(b[10:12]),
		CentralDirSize:   binary.LittleEndian.Uint32(b[12:16]),
		CentralDirOffset: binary.LittleEndian.Uint32(b[16:20]),
		Comment:          string(b[EndOfCentralDirLen : EndOfCentralDirLen+commentLen]),
	}, nil
}

// FindEndOfCentralDirectory scans the final maxComment+22 bytes of r backward,
// one byte at a time, for the EOCD signature. It returns the offset of the
// record and false if no complete record was found inside the window.
func FindEndOfCentralDirectory(r io.ReaderAt, size int64, maxComment int) (EndOfCentralDirectory, int64, bool, error) {
	if size < EndOfCentralDirLen {
		return EndOfCentralDirectory{}, 0, false, nil
	}
	window := min(int64(maxComment)+EndOfCentralDirLen, size)
	start := size - window
	buf := make([]byte, window)
	if err := readFullAt(r, buf, start); err != nil {
		return EndOfCentralDirectory{}, 0, false, err
	}
	for p := len(buf) - EndOfCentralDirLen; p >= 0; p-- {
		if binary.LittleEndian.Uint32(buf[p:p+4]) != EndOfCentralDirSignature {
			continue
		}
		eocd, err := DecodeEndOfCentralDirectory(buf[p:])
		if err != nil {
			// A stray signature inside a comment; keep scanning.
			continue
		}
		return eocd, start + int64(p), true, nil
	}
	return EndOfCentralDirectory{}, 0, false, nil
}

// AppendTrailer appends the 12-byte CRC/compressed/uncompressed size block
// written after each payload by the legacy writer.
func AppendTrailer(dst []byte, crc, compressed, uncompressed uint32) []byte {
	var buf [TrailerLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	binary.LittleEndian.PutUint32(buf[4:8], compressed)
	binary.LittleEndian.PutUint32(buf[8:12], uncompressed)
	return append(dst, buf[:]...)
}

// PeekSignature reads the 4-byte signature at off. It returns false when
// fewer than 4 bytes remain.
func PeekSignature(r io.ReaderAt, off int64) (uint32, bool) {
	var buf [4]byte
	if err := readFullAt(r, buf[:], off); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

func readFullAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}

// fieldLens returns the 16-bit length field for each variable-length field.
func fieldLens(fields ...string) ([3]uint16, error) {
	var lens [3]uint16
	for i, f := range fields {
		n, err := sizing.ToUint16(len(f), ErrFieldTooLong)
		if err != nil {
			return lens, err
		}
		lens[i] = n
	}
	return lens, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
