package zipkit

import (
	"errors"
	"fmt"

	"github.com/meigma/zipkit/internal/exclude"
	"github.com/meigma/zipkit/internal/memguard"
	"github.com/meigma/zipkit/internal/platform"
)

var (
	// ErrPath is returned inside an *fs.PathError when a source cannot be
	// read or a destination cannot be written.
	ErrPath = errors.New("zipkit: path error")

	// ErrFormat is returned when the archive structure is invalid: a bad or
	// missing signature, a truncated record, or more central directory
	// entries than the archive has bytes for.
	ErrFormat = errors.New("zipkit: invalid archive format")

	// ErrNotFound is returned when a named entry is not in the index.
	ErrNotFound = errors.New("zipkit: entry not found")

	// ErrPermission is returned when a destination directory is not writable.
	ErrPermission = errors.New("zipkit: permission denied")

	// ErrSizeOverflow is returned when an entry, offset or entry count does
	// not fit the 32-bit and 16-bit fields of a non-ZIP64 archive.
	ErrSizeOverflow = errors.New("zipkit: size exceeds zip limits")

	// ErrClosed is returned when adding to a writer after Close.
	ErrClosed = errors.New("zipkit: writer closed")

	// ErrUnsupportedCompression matches every *UnsupportedCompressionError.
	ErrUnsupportedCompression = errors.New("zipkit: unsupported compression method")

	// ErrBackendUnavailable is returned when a forced backend cannot be used.
	ErrBackendUnavailable = errors.New("zipkit: backend unavailable")

	// ErrEncrypted is returned when extracting an encrypted entry. Listing
	// such entries still succeeds.
	ErrEncrypted = errors.New("zipkit: entry is encrypted")
)

// Format errors. Each matches ErrFormat with errors.Is.
var (
	// ErrIsDir is returned when a directory entry is requested as a file.
	ErrIsDir = fmt.Errorf("%w: entry is a directory", ErrFormat)

	// ErrChecksum is returned when extracted content does not match its CRC-32.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrFormat)

	// ErrDecompression is returned when an entry payload cannot be decoded.
	ErrDecompression = fmt.Errorf("%w: decompression failed", ErrFormat)
)

// Errors re-exported from internal packages.
var (
	// ErrMemory is returned when the memory ceiling could not be raised
	// enough to (de)compress an entry.
	ErrMemory = memguard.ErrRefused

	// ErrPattern is returned by AddExclusion and WithExclusions for a
	// pattern that does not compile.
	ErrPattern = exclude.ErrPattern

	// ErrSymlink is returned when a source file is a symbolic link.
	ErrSymlink = platform.ErrSymlink
)

// UnsupportedCompressionError reports an entry whose compression method
// cannot be extracted. Listing such entries still succeeds.
type UnsupportedCompressionError struct {
	Path   string
	Method Method
}

func (e *UnsupportedCompressionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("zipkit: unsupported compression method %d (%s)", uint16(e.Method), e.Method)
	}
	return fmt.Sprintf("zipkit: %s: unsupported compression method %d (%s)", e.Path, uint16(e.Method), e.Method)
}

// Is reports whether target is ErrUnsupportedCompression.
func (e *UnsupportedCompressionError) Is(target error) bool {
	return target == ErrUnsupportedCompression
}
