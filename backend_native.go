package zipkit

import (
	stdzip "archive/zip"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"time"

	kzip "github.com/klauspost/compress/zip"

	"github.com/meigma/zipkit/internal/record"
)

// Both native backends compress in memory and add entries with CreateRaw,
// so every local header carries its sizes and CRC and no data descriptor
// follows the payload. Archives from any backend can be indexed by the
// sequential scan.

// rawZipWriter is the writer API shared by archive/zip and
// github.com/klauspost/compress/zip, over their own FileHeader type H.
type rawZipWriter[H any] interface {
	CreateRaw(fh *H) (io.Writer, error)
	CreateHeader(fh *H) (io.Writer, error)
	SetComment(comment string) error
	Close() error
}

// entryHeader holds the header fields both libraries need.
type entryHeader struct {
	Name         string
	Method       uint16
	Modified     time.Time
	CRC32        uint32
	Compressed   uint64
	Uncompressed uint64
	Mode         fs.FileMode
}

// nativeBackend writes through a library zip writer.
type nativeBackend[H any] struct {
	zw     rawZipWriter[H]
	header func(entryHeader) *H
	level  int
}

// newCompressBackend writes through github.com/klauspost/compress/zip.
func newCompressBackend(w io.Writer, level int) *nativeBackend[kzip.FileHeader] {
	return &nativeBackend[kzip.FileHeader]{zw: kzip.NewWriter(w), header: compressHeader, level: level}
}

// newStdlibBackend writes through archive/zip.
func newStdlibBackend(w io.Writer, level int) *nativeBackend[stdzip.FileHeader] {
	return &nativeBackend[stdzip.FileHeader]{zw: stdzip.NewWriter(w), header: stdlibHeader, level: level}
}

func (b *nativeBackend[H]) addFile(e fileItem) error {
	payload, method, err := encodePayload(e, b.level)
	if err != nil {
		return err
	}
	w, err := b.zw.CreateRaw(b.header(entryHeader{
		Name:         e.Name,
		Method:       method,
		Modified:     e.Modified,
		CRC32:        crc32.ChecksumIEEE(e.Data),
		Compressed:   uint64(len(payload)),
		Uncompressed: uint64(len(e.Data)),
		Mode:         e.Mode,
	}))
	if err != nil {
		return fmt.Errorf("create %s: %w", e.Name, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", e.Name, err)
	}
	return nil
}

// addDir uses CreateHeader, which writes no data descriptor for names
// ending in a slash.
func (b *nativeBackend[H]) addDir(name string, modified time.Time) error {
	hdr := b.header(entryHeader{
		Name:     name,
		Method:   uint16(Store),
		Modified: modified,
		Mode:     fs.ModeDir | 0o755,
	})
	if _, err := b.zw.CreateHeader(hdr); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func (b *nativeBackend[H]) close(comment string) error {
	if comment != "" {
		if err := b.zw.SetComment(comment); err != nil {
			return err
		}
	}
	return b.zw.Close()
}

func compressHeader(h entryHeader) *kzip.FileHeader {
	date, clock := record.FromTime(h.Modified)
	fh := &kzip.FileHeader{
		Name:               h.Name,
		ReaderVersion:      20,
		Method:             h.Method,
		Modified:           h.Modified.UTC(),
		ModifiedDate:       date,
		ModifiedTime:       clock,
		CRC32:              h.CRC32,
		CompressedSize64:   h.Compressed,
		UncompressedSize64: h.Uncompressed,
	}
	fh.SetMode(h.Mode)
	return fh
}

func stdlibHeader(h entryHeader) *stdzip.FileHeader {
	date, clock := record.FromTime(h.Modified)
	fh := &stdzip.FileHeader{
		Name:               h.Name,
		ReaderVersion:      20,
		Method:             h.Method,
		Modified:           h.Modified.UTC(),
		ModifiedDate:       date,
		ModifiedTime:       clock,
		CRC32:              h.CRC32,
		CompressedSize64:   h.Compressed,
		UncompressedSize64: h.Uncompressed,
	}
	fh.SetMode(h.Mode)
	return fh
}
