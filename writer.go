package zipkit

import (
	"bufio"
	_ "crypto/sha256" // registers sha256 for go-digest
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/zipkit/internal/exclude"
	"github.com/meigma/zipkit/internal/memguard"
	"github.com/meigma/zipkit/internal/platform"
	"github.com/meigma/zipkit/internal/sizing"
)

// Summary describes a closed archive.
type Summary struct {
	Entries int
	Size    int64
	Digest  digest.Digest
}

// Writer builds a ZIP archive.
//
// Entries are written to a private temp file as they are added. Close
// finalizes the archive and then either renames the temp file to the target
// path or streams it to a Sink and deletes it. A Writer is not safe for
// concurrent use.
type Writer struct {
	cfg     writerConfig
	backend Backend
	impl    archiveBackend
	res     *writerResources

	count    *sizing.OffsetWriter
	buf      *bufio.Writer
	digester digest.Digester

	target   string
	sink     Sink
	filename string

	rules   exclude.Rules
	entries int
	closed  bool
	summary Summary
	cleanup runtime.Cleanup
}

// writerResources holds what must be released even if Close is never
// called. It must not reference the Writer.
type writerResources struct {
	file  *os.File
	path  string
	guard *memguard.Guard
	done  bool
}

// discard closes and removes the temp file and restores the memory ceiling.
func (res *writerResources) discard() {
	if res.done {
		return
	}
	res.done = true
	_ = res.file.Close()
	_ = os.Remove(res.path)
	_ = res.guard.Release()
}

// Create starts an archive that is written to path on Close. Until then
// the archive is built in a temp file next to path, so a failed or
// abandoned writer never leaves a partial archive at path.
func Create(path string, opts ...WriterOption) (*Writer, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, destError("mkdir", dir, err)
	}
	f, err := os.CreateTemp(dir, ".zipkit-*.tmp")
	if err != nil {
		return nil, destError("create", path, err)
	}
	w, err := newWriter(cfg, f)
	if err != nil {
		return nil, err
	}
	w.target = path
	return w, nil
}

// NewStream starts an archive that is handed to sink on Close. The sink
// cannot seek, so the archive is built in a private temp file and copied to
// the sink once finalized. filename is passed to the sink in Metadata.
func NewStream(sink Sink, filename string, opts ...WriterOption) (*Writer, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	f, err := os.CreateTemp(cfg.tempDir, "zipkit-*.zip")
	if err != nil {
		return nil, destError("create", filepath.Join(cfg.tempDir, "zipkit-*.zip"), err)
	}
	w, err := newWriter(cfg, f)
	if err != nil {
		return nil, err
	}
	w.sink = sink
	w.filename = filename
	return w, nil
}

func newWriter(cfg writerConfig, f *os.File) (*Writer, error) {
	res := &writerResources{file: f, path: f.Name(), guard: memguard.New(cfg.limiter)}
	backend, err := resolveBackend(cfg)
	if err != nil {
		res.discard()
		return nil, err
	}

	w := &Writer{cfg: cfg, backend: backend, res: res}
	w.digester = digest.Canonical.Digester()
	w.count = &sizing.OffsetWriter{W: io.MultiWriter(f, w.digester.Hash())}
	w.buf = bufio.NewWriterSize(w.count, 64<<10)
	switch backend {
	case BackendCompress:
		w.impl = newCompressBackend(w.buf, cfg.level)
	case BackendStdlib:
		w.impl = newStdlibBackend(w.buf, cfg.level)
	default:
		w.impl = newLegacyBackend(w.buf, cfg.level)
	}
	// Remove the temp file if the Writer is dropped without Close.
	w.cleanup = runtime.AddCleanup(w, func(res *writerResources) { res.discard() }, res)
	w.log().Debug("started archive", "backend", backend.String(), "temp", res.path)
	return w, nil
}

func resolveBackend(cfg writerConfig) (Backend, error) {
	switch cfg.backend {
	case BackendAuto:
		return SelectBackend(cfg.caps), nil
	case BackendCompress:
		if !cfg.caps.Compress {
			return 0, fmt.Errorf("%w: %s", ErrBackendUnavailable, cfg.backend)
		}
	case BackendStdlib:
		if !cfg.caps.Stdlib {
			return 0, fmt.Errorf("%w: %s", ErrBackendUnavailable, cfg.backend)
		}
	case BackendLegacy:
	default:
		return 0, fmt.Errorf("%w: %d", ErrBackendUnavailable, cfg.backend)
	}
	return cfg.backend, nil
}

func (w *Writer) log() *slog.Logger {
	if w.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.cfg.logger
}

func (w *Writer) reportProgress(stage ProgressStage, name string, done, total uint64) {
	if w.cfg.progress == nil {
		return
	}
	w.cfg.progress(ProgressEvent{
		Stage:      stage,
		Path:       name,
		BytesDone:  done,
		BytesTotal: total,
		FilesDone:  w.entries,
	})
}

// Backend returns the backend encoding this archive.
func (w *Writer) Backend() Backend {
	return w.backend
}

// Summary returns the entry count, size and digest of the archive. It is
// zero until Close succeeds.
func (w *Writer) Summary() Summary {
	return w.summary
}

// AddExclusion adds a pattern tested against every entry name before it is
// added. A pattern without a slash matches a base name at any depth, and a
// leading "!" re-includes. Excluded files and directories are skipped
// entirely, including everything below an excluded directory.
func (w *Writer) AddExclusion(pattern string) error {
	return w.rules.Add(pattern)
}

// AddFile adds the regular file at path as name. An empty name uses the
// base name of path.
func (w *Writer) AddFile(path, name string) error {
	if w.closed {
		return ErrClosed
	}
	if name == "" {
		name = filepath.Base(path)
	}
	name = archiveName(name)
	if name == "" {
		return fmt.Errorf("zipkit: no entry name for %s", path)
	}
	if w.rules.Excluded(name) {
		w.log().Debug("excluded file", "path", path, "name", name)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return pathError("open", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return pathError("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return pathError("read", path, fmt.Errorf("not a regular file (%s)", info.Mode().Type()))
	}
	return w.addOpenFile(f, info, path, name)
}

// AddDirectory adds an empty directory entry for the directory at path,
// named name, and when recursive is set, everything below it. An empty name
// uses the base name of path; "." adds the children at the archive root
// without a directory entry. Symbolic links and special files are skipped,
// and exclusions apply at every level.
func (w *Writer) AddDirectory(path, name string, recursive bool) error {
	if w.closed {
		return ErrClosed
	}
	info, err := os.Stat(path)
	if err != nil {
		return pathError("stat", path, err)
	}
	if !info.IsDir() {
		return pathError("open", path, errors.New("not a directory"))
	}
	if name == "" {
		name = filepath.Base(filepath.Clean(path))
	}
	base := archiveName(name)
	if base != "" {
		if w.rules.Excluded(base) {
			w.log().Debug("excluded directory", "path", path, "name", base)
			return nil
		}
		if err := w.addDir(base, info.ModTime()); err != nil {
			return err
		}
	}
	if !recursive {
		return nil
	}

	root, err := os.OpenRoot(path)
	if err != nil {
		return pathError("open", path, err)
	}
	defer root.Close()

	w.reportProgress(StageEnumerating, base, 0, 0)
	return fs.WalkDir(root.FS(), ".", func(rel string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return pathError("walk", filepath.Join(path, filepath.FromSlash(rel)), walkErr)
		}
		if rel == "." {
			return nil
		}
		entryName := joinName(base, rel)
		if w.rules.Excluded(entryName) {
			w.log().Debug("excluded entry", "name", entryName)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			w.log().Debug("skipped symlink", "name", entryName)
			return nil
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return pathError("stat", filepath.Join(path, filepath.FromSlash(rel)), err)
			}
			return w.addDir(entryName, info.ModTime())
		case !d.Type().IsRegular():
			w.log().Debug("skipped special file", "name", entryName, "type", d.Type().String())
			return nil
		}
		return w.addRootFile(root, path, rel, entryName)
	})
}

func (w *Writer) addRootFile(root *os.Root, dir, rel, name string) error {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	f, info, err := platform.OpenNoFollow(root, filepath.FromSlash(rel))
	if err != nil {
		if errors.Is(err, platform.ErrSymlink) || errors.Is(err, platform.ErrNotRegular) {
			w.log().Debug("skipped entry", "name", name, "reason", err)
			return nil
		}
		return pathError("open", full, err)
	}
	defer f.Close()
	return w.addOpenFile(f, info, full, name)
}

// addOpenFile reads f whole and adds it. The memory ceiling is raised to
// fit three copies of the file: the source, the compressed output, and the
// compressor state.
func (w *Writer) addOpenFile(f *os.File, info fs.FileInfo, path, name string) error {
	size := info.Size()
	if size > math.MaxUint32 {
		return fmt.Errorf("%w: %s is %d bytes", ErrSizeOverflow, path, size)
	}
	if err := w.res.guard.Acquire(3 * size); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	data, err := sizing.ReadAllWithLimit(f, uint64(size), ErrSizeOverflow)
	if err != nil {
		if errors.Is(err, ErrSizeOverflow) {
			return fmt.Errorf("%w: %s grew while reading", ErrSizeOverflow, path)
		}
		return pathError("read", path, err)
	}
	store := shouldStore(name, info, w.cfg.skip)
	return w.addData(name, data, info.ModTime(), info.Mode().Perm(), store)
}

// AddBytes adds data as a file entry named name.
func (w *Writer) AddBytes(name string, data []byte, modified time.Time) error {
	if w.closed {
		return ErrClosed
	}
	name = archiveName(name)
	if name == "" {
		return errors.New("zipkit: empty entry name")
	}
	if w.rules.Excluded(name) {
		w.log().Debug("excluded entry", "name", name)
		return nil
	}
	if err := w.res.guard.Acquire(3 * int64(len(data))); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	store := shouldStore(name, nil, w.cfg.skip)
	return w.addData(name, data, modified, 0o644, store)
}

func (w *Writer) addData(name string, data []byte, modified time.Time, mode fs.FileMode, store bool) error {
	if int64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: %s is %d bytes", ErrSizeOverflow, name, len(data))
	}
	if w.entries >= math.MaxUint16 {
		return fmt.Errorf("%w: more than %d entries", ErrSizeOverflow, math.MaxUint16)
	}
	if modified.IsZero() {
		modified = time.Now()
	}
	err := w.impl.addFile(fileItem{Name: name, Data: data, Modified: modified, Mode: mode, Store: store})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	w.entries++
	w.reportProgress(StageCompressing, name, uint64(len(data)), uint64(len(data)))
	w.log().Debug("added file", "name", name, "size", len(data), "stored", store)
	return nil
}

func (w *Writer) addDir(name string, modified time.Time) error {
	if w.entries >= math.MaxUint16 {
		return fmt.Errorf("%w: more than %d entries", ErrSizeOverflow, math.MaxUint16)
	}
	if err := w.impl.addDir(name+"/", modified); err != nil {
		return fmt.Errorf("add %s/: %w", name, err)
	}
	w.entries++
	w.log().Debug("added directory", "name", name)
	return nil
}

// Close finalizes the archive and delivers it to the target path or Sink.
// The temp file is removed and the memory ceiling restored whether or not
// Close succeeds. Calls after the first return nil and do nothing.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.cleanup.Stop()
	defer w.res.discard()

	if err := w.impl.close(w.cfg.comment); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return pathError("write", w.res.path, err)
	}
	if err := w.res.guard.Release(); err != nil {
		return fmt.Errorf("restore memory ceiling: %w", err)
	}
	w.summary = Summary{
		Entries: w.entries,
		Size:    w.count.N,
		Digest:  w.digester.Digest(),
	}

	var err error
	if w.sink != nil {
		err = w.stream()
	} else {
		err = w.commit()
	}
	if err != nil {
		w.summary = Summary{}
		return err
	}
	w.log().Info("closed archive",
		"backend", w.backend.String(),
		"entries", w.summary.Entries,
		"size", w.summary.Size,
		"digest", w.summary.Digest.String())
	return nil
}

// Abort discards the archive without writing or streaming it. The temp file
// is removed and the memory ceiling restored. Close after Abort does nothing.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.cleanup.Stop()
	w.res.discard()
	w.log().Debug("aborted archive", "entries", w.entries)
}

// commit moves the temp file to the target path.
func (w *Writer) commit() error {
	if err := w.res.file.Sync(); err != nil {
		return pathError("sync", w.res.path, err)
	}
	if err := w.res.file.Close(); err != nil {
		return pathError("close", w.res.path, err)
	}
	if err := os.Chmod(w.res.path, 0o644); err != nil {
		return destError("chmod", w.res.path, err)
	}
	if err := os.Rename(w.res.path, w.target); err != nil {
		return destError("rename", w.target, err)
	}
	// Nothing left to remove.
	w.res.done = true
	return nil
}

// stream copies the finished temp file to the sink, waits the remove delay,
// and lets Close delete the file.
func (w *Writer) stream() error {
	if fl, ok := w.sink.(Flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("flush sink: %w", err)
		}
	}
	meta := Metadata{
		Filename:      w.filename,
		ContentType:   ContentType,
		ContentLength: w.summary.Size,
		Digest:        w.summary.Digest,
	}
	out, err := w.sink.Open(meta)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	if _, err := w.res.file.Seek(0, io.SeekStart); err != nil {
		return pathError("seek", w.res.path, err)
	}
	n, err := io.Copy(out, w.res.file)
	if err != nil {
		return fmt.Errorf("stream archive: %w", err)
	}
	if n != w.summary.Size {
		return fmt.Errorf("stream archive: copied %d of %d bytes", n, w.summary.Size)
	}
	w.reportProgress(StageStreaming, w.filename, uint64(n), uint64(n))
	if err := w.res.file.Close(); err != nil {
		return pathError("close", w.res.path, err)
	}
	if w.cfg.removeDelay > 0 {
		time.Sleep(w.cfg.removeDelay)
	}
	return nil
}

// archiveName converts a caller-supplied name to a slash-separated entry
// name with no leading slash and no ".." elements.
func archiveName(name string) string {
	name = filepath.ToSlash(name)
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

func joinName(base, rel string) string {
	if base == "" {
		return rel
	}
	return base + "/" + rel
}
