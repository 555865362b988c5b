package zipkit

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/meigma/zipkit/internal/record"
)

// Method is a ZIP compression method code.
type Method uint16

// Compression methods this package can extract. Zstd needs WithZstd.
const (
	Store   Method = 0
	Deflate Method = 8
	Bzip2   Method = 12
	Zstd    Method = 93
)

var methodNames = map[Method]string{
	0:  "Store",
	1:  "Shrunk",
	2:  "Reduced with compression factor 1",
	3:  "Reduced with compression factor 2",
	4:  "Reduced with compression factor 3",
	5:  "Reduced with compression factor 4",
	6:  "Imploded",
	7:  "Tokenizing",
	8:  "Deflate",
	9:  "Deflate64",
	10: "PKWARE Data Compression Library Imploding",
	12: "Bzip2",
	14: "LZMA",
	16: "IBM z/OS CMPSC",
	18: "IBM TERSE",
	19: "IBM LZ77 z Architecture",
	20: "Zstandard (deprecated code)",
	93: "Zstandard",
	94: "MP3",
	95: "XZ",
	96: "JPEG",
	97: "WavPack",
	98: "PPMd version I, Rev 1",
	99: "AE-x encryption marker",
}

// String returns the method's registered name.
func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method %d", uint16(m))
}

// Entry describes one archive member. Entries are values and are never
// modified after the index is built.
type Entry struct {
	// Path is the slash-separated name with any trailing slash removed.
	Path  string
	IsDir bool

	Method           Method
	CompressedSize   uint32
	UncompressedSize uint32
	CRC32            uint32
	// Modified is decoded from the MS-DOS date and time fields, in UTC.
	Modified time.Time
	// Flags holds the general purpose bit flags.
	Flags uint16

	// HeaderOffset is the offset of the local file header.
	HeaderOffset int64
	// DataOffset is the offset of the first payload byte.
	DataOffset int64

	Extra []byte
}

// Name returns the base name of the entry.
func (e Entry) Name() string {
	return path.Base(e.Path)
}

// Encrypted reports whether the entry payload is encrypted.
func (e Entry) Encrypted() bool {
	return e.Flags&record.FlagEncrypted != 0
}

// Mode returns a file mode for the entry suitable for extraction.
func (e Entry) Mode() fs.FileMode {
	if e.IsDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

func entryFromCentral(h *record.CentralDirectoryHeader) Entry {
	return Entry{
		Path:             cleanName(h.Name),
		IsDir:            h.IsDir(),
		Method:           Method(h.Method),
		CompressedSize:   h.CompressedSize,
		UncompressedSize: h.UncompressedSize,
		CRC32:            h.CRC32,
		Modified:         record.ToTime(h.ModDate, h.ModTime),
		Flags:            h.Flags,
		HeaderOffset:     int64(h.LocalHeaderOffset),
		Extra:            h.Extra,
	}
}

func entryFromLocal(h *record.LocalFileHeader, headerOff, dataOff int64) Entry {
	return Entry{
		Path:             cleanName(h.Name),
		IsDir:            strings.HasSuffix(h.Name, "/"),
		Method:           Method(h.Method),
		CompressedSize:   h.CompressedSize,
		UncompressedSize: h.UncompressedSize,
		CRC32:            h.CRC32,
		Modified:         record.ToTime(h.ModDate, h.ModTime),
		Flags:            h.Flags,
		HeaderOffset:     headerOff,
		DataOffset:       dataOff,
		Extra:            h.Extra,
	}
}

// cleanName converts an archive name to an index key: backslashes become
// slashes and trailing slashes are removed.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimRight(name, "/")
}

// EntryIndex is an insertion-ordered map from entry path to Entry.
//
// When an archive holds the same name twice, the later record replaces the
// earlier one and keeps the earlier position.
type EntryIndex struct {
	order []string
	byKey map[string]Entry
}

func newEntryIndex() *EntryIndex {
	return &EntryIndex{byKey: make(map[string]Entry)}
}

func (x *EntryIndex) put(e Entry) {
	if _, ok := x.byKey[e.Path]; !ok {
		x.order = append(x.order, e.Path)
	}
	x.byKey[e.Path] = e
}

// Len returns the number of distinct entries.
func (x *EntryIndex) Len() int {
	return len(x.order)
}

// Lookup returns the entry stored under name.
func (x *EntryIndex) Lookup(name string) (Entry, bool) {
	e, ok := x.byKey[cleanName(name)]
	return e, ok
}

// Entries returns all entries in archive order.
func (x *EntryIndex) Entries() []Entry {
	out := make([]Entry, 0, len(x.order))
	for _, k := range x.order {
		out = append(out, x.byKey[k])
	}
	return out
}

// Names returns all entry paths in archive order.
func (x *EntryIndex) Names() []string {
	return append([]string(nil), x.order...)
}
