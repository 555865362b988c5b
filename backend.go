package zipkit

import (
	"go/version"
	"io/fs"
	"runtime"
	"time"
)

// Backend identifies the implementation that encodes archive records.
type Backend uint8

const (
	// BackendAuto lets SelectBackend choose.
	BackendAuto Backend = iota

	// BackendCompress writes through github.com/klauspost/compress/zip.
	BackendCompress

	// BackendStdlib writes through archive/zip.
	BackendStdlib

	// BackendLegacy writes every record byte by byte.
	BackendLegacy
)

// String returns the string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendCompress:
		return "compress"
	case BackendStdlib:
		return "stdlib"
	case BackendLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Capabilities describes which native backends are usable.
type Capabilities struct {
	// Compress reports whether the klauspost zip writer may be used.
	Compress bool
	// Stdlib reports whether the archive/zip writer may be used.
	Stdlib bool
	// GoVersion is the runtime version, as reported by runtime.Version.
	GoVersion string
}

// DefaultCapabilities returns the capabilities of the running process.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Compress:  true,
		Stdlib:    true,
		GoVersion: runtime.Version(),
	}
}

// stdlibFixedIn is the first Go release whose archive/zip writer keeps
// FileHeader.Modified and emits the extended timestamp field. Earlier
// writers only stored the MS-DOS fields and dropped sub-field metadata.
const stdlibFixedIn = "go1.10"

// SelectBackend picks the backend for c: BackendCompress when available,
// else BackendStdlib unless the Go version predates stdlibFixedIn, else
// BackendLegacy. It has no side effects.
func SelectBackend(c Capabilities) Backend {
	if c.Compress {
		return BackendCompress
	}
	if c.Stdlib && !stdlibDropsMetadata(c.GoVersion) {
		return BackendStdlib
	}
	return BackendLegacy
}

// stdlibDropsMetadata reports whether archive/zip in Go release v loses
// entry timestamps. Unrecognized versions, such as development builds, are
// assumed current.
func stdlibDropsMetadata(v string) bool {
	if !version.IsValid(v) {
		return false
	}
	return version.Compare(v, stdlibFixedIn) < 0
}

// fileItem is one file handed to a backend. Data is the whole
// uncompressed content.
type fileItem struct {
	Name     string
	Data     []byte
	Modified time.Time
	Mode     fs.FileMode
	Store    bool
}

// archiveBackend encodes entries into the session output.
type archiveBackend interface {
	// addFile writes one file entry.
	addFile(e fileItem) error
	// addDir writes an empty directory entry. name has a trailing slash.
	addDir(name string, modified time.Time) error
	// close writes the central directory and end record.
	close(comment string) error
}
