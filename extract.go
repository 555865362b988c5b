package zipkit

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/zipkit/internal/memguard"
	"github.com/meigma/zipkit/internal/sizing"
)

// fileEntry returns the entry for name, rejecting directories.
func (r *Reader) fileEntry(name string) (Entry, error) {
	e, err := r.Entry(name)
	if err != nil {
		return Entry{}, err
	}
	if e.IsDir {
		return Entry{}, fmt.Errorf("%w: %s", ErrIsDir, e.Path)
	}
	return e, nil
}

// ReadFile returns the decompressed content of the named file entry.
//
// It returns an error wrapping ErrNotFound for a missing entry, ErrIsDir for
// a directory, *UnsupportedCompressionError for a method that cannot be
// decoded, ErrMemory when the memory ceiling cannot be raised, and
// ErrChecksum when the content does not match the stored CRC-32.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	e, err := r.fileEntry(name)
	if err != nil {
		return nil, err
	}
	return r.readEntry(e)
}

// ExtractTo writes the decompressed content of the named file entry to w.
func (r *Reader) ExtractTo(name string, w io.Writer) error {
	data, err := r.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Extract writes the named file entry to dest, replacing any existing file.
// The file is written to a temp file beside dest and renamed into place, so
// a failed extraction never leaves a partial file at dest. Missing parent
// directories are created.
func (r *Reader) Extract(name, dest string) error {
	e, err := r.fileEntry(name)
	if err != nil {
		return err
	}
	data, err := r.readEntry(e)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return destError("mkdir", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return destError("open", dir, err)
	}
	defer root.Close()
	if err := writeRootAtomic(root, filepath.Base(dest), data, e.Mode(), e.Modified); err != nil {
		return destError("write", dest, err)
	}
	r.log().Debug("extracted entry", "path", e.Path, "dest", dest, "size", len(data))
	return nil
}

// ExtractAll extracts every indexed entry below destDir. Paths are resolved
// inside destDir, so entries cannot escape it. A failing entry does not stop
// the loop; all failures are returned joined. Files already written stay in
// place.
func (r *Reader) ExtractAll(destDir string, opts ...ExtractOption) error {
	var cfg extractConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	idx, err := r.Index()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return destError("mkdir", destDir, err)
	}
	root, err := os.OpenRoot(destDir)
	if err != nil {
		return destError("open", destDir, err)
	}
	defer root.Close()

	entries := idx.Entries()
	var prefix string
	if cfg.stripRoot {
		if dir, ok := rootDirectory(entries); ok {
			prefix = dir + "/"
		}
	}

	var errs []error
	for i, e := range entries {
		rel := e.Path
		if prefix != "" {
			if rel+"/" == prefix {
				continue
			}
			rel = strings.TrimPrefix(rel, prefix)
		}
		if !fs.ValidPath(rel) {
			errs = append(errs, destError("extract", e.Path, fs.ErrInvalid))
			continue
		}
		if err := r.extractInto(root, rel, e); err != nil {
			errs = append(errs, err)
			r.log().Debug("extract failed", "path", e.Path, "error", err)
			continue
		}
		if cfg.progress != nil {
			cfg.progress(ProgressEvent{
				Stage:      StageExtracting,
				Path:       e.Path,
				BytesDone:  uint64(e.UncompressedSize),
				BytesTotal: uint64(e.UncompressedSize),
				FilesDone:  i + 1,
				FilesTotal: len(entries),
			})
		}
	}
	return errors.Join(errs...)
}

func (r *Reader) extractInto(root *os.Root, rel string, e Entry) error {
	native := filepath.FromSlash(rel)
	if e.IsDir {
		if err := root.MkdirAll(native, 0o755); err != nil {
			return destError("mkdir", rel, err)
		}
		return nil
	}
	data, err := r.readEntry(e)
	if err != nil {
		return err
	}
	if err := writeRootAtomic(root, native, data, e.Mode(), e.Modified); err != nil {
		return destError("write", rel, err)
	}
	return nil
}

// readEntry returns the content of a file entry. The memory ceiling is
// raised for the duration of the call and restored before it returns.
func (r *Reader) readEntry(e Entry) (data []byte, err error) {
	if e.UncompressedSize == 0 {
		return []byte{}, nil
	}
	if e.Encrypted() {
		return nil, fmt.Errorf("extract %s: %w", e.Path, ErrEncrypted)
	}
	if !r.supported(e.Method) {
		return nil, &UnsupportedCompressionError{Path: e.Path, Method: e.Method}
	}
	src, err := r.source()
	if err != nil {
		return nil, err
	}

	guard := memguard.New(r.limiter)
	defer func() {
		if rerr := guard.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("restore memory ceiling: %w", rerr)
		}
	}()
	if err := guard.Acquire(r.guardEstimate(e)); err != nil {
		return nil, fmt.Errorf("extract %s: %w", e.Path, err)
	}

	if end := e.DataOffset + int64(e.CompressedSize); end > src.Size() {
		return nil, fmt.Errorf("%w: payload of %s ends at %d past archive end %d", ErrFormat, e.Path, end, src.Size())
	}
	n, err := sizing.ToInt(uint64(e.CompressedSize), ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", e.Path, err)
	}
	raw := make([]byte, n)
	if err := readFullAt(src, raw, e.DataOffset); err != nil {
		return nil, formatError("payload of "+e.Path, e.DataOffset, err)
	}
	data, err = r.decode(e, raw)
	if err != nil {
		return nil, err
	}
	if !r.skipChecksum {
		if sum := crc32.ChecksumIEEE(data); sum != e.CRC32 {
			return nil, fmt.Errorf("%w: %s: crc32 %08x, want %08x", ErrChecksum, e.Path, sum, e.CRC32)
		}
	}
	return data, nil
}
