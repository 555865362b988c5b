package zipkit

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/zipkit/internal/exclude"
	"github.com/meigma/zipkit/internal/memguard"
)

// ErrReaderClosed is returned when a closed Reader is used.
var ErrReaderClosed = errors.New("zipkit: reader closed")

// Reader reads the entry index and entry contents of a ZIP archive.
//
// The index is built on first use and cached. Concurrent first calls share
// a single build. A failed build is not cached, so a later call retries.
// Extraction calls are independent: a failure on one entry leaves the index
// and earlier extractions untouched.
type Reader struct {
	path string

	rules        exclude.Rules
	optErr       error
	stopAt       string
	strategy     Strategy
	zstd         *zstdPool
	skipChecksum bool
	logger       *slog.Logger
	limiter      memguard.Limiter

	group singleflight.Group

	mu      sync.Mutex
	src     ByteSource
	file    *os.File
	cleanup runtime.Cleanup
	closed  bool
	index   *EntryIndex
	used    Strategy
	comment string
}

// OpenReader returns a Reader for the archive at path. The file is opened
// on first access, so a missing file is reported by the first index or
// extraction call rather than here.
func OpenReader(path string, opts ...ReaderOption) *Reader {
	r := &Reader{path: path}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewReader returns a Reader over src.
func NewReader(src ByteSource, opts ...ReaderOption) *Reader {
	r := &Reader{src: src}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// source returns the byte source, opening the archive file on first use.
func (r *Reader) source() (ByteSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReaderClosed
	}
	if r.src != nil {
		return r.src, nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return nil, pathError("open", r.path, err)
	}
	src, err := NewFileSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	r.src = src
	// Release the handle if the Reader is dropped without Close.
	r.cleanup = runtime.AddCleanup(r, func(f *os.File) { f.Close() }, f)
	r.log().Debug("opened archive", "path", r.path, "size", src.Size())
	return src, nil
}

// Close releases the archive file. It is safe to call more than once.
// Readers created with NewReader do not close their source.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file == nil {
		return nil
	}
	r.cleanup.Stop()
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return pathError("close", r.path, err)
	}
	return nil
}

// Index returns the entry index, building it on first call.
func (r *Reader) Index() (*EntryIndex, error) {
	r.mu.Lock()
	idx := r.index
	r.mu.Unlock()
	if idx != nil {
		return idx, nil
	}
	if r.optErr != nil {
		return nil, r.optErr
	}

	v, err, _ := r.group.Do("index", func() (any, error) {
		src, err := r.source()
		if err != nil {
			return nil, err
		}
		idx, used, comment, err := r.buildIndex(src)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.index = idx
		r.used = used
		r.comment = comment
		r.mu.Unlock()
		r.log().Info("built archive index", "entries", idx.Len(), "strategy", used.String())
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EntryIndex), nil //nolint:forcetypeassert // Do only returns *EntryIndex
}

// buildIndex runs the configured strategy. In auto mode a missing end of
// central directory record switches to the sequential scan; every other
// failure is returned as is.
func (r *Reader) buildIndex(src ByteSource) (*EntryIndex, Strategy, string, error) {
	switch r.strategy {
	case StrategySequential:
		idx, err := r.scanLocalHeaders(src)
		return idx, StrategySequential, "", err
	case StrategyCentralDirectory, StrategyAuto:
		idx, comment, found, err := r.walkCentralDirectory(src)
		if err != nil {
			return nil, 0, "", err
		}
		if found {
			return idx, StrategyCentralDirectory, comment, nil
		}
		if r.strategy == StrategyCentralDirectory {
			return nil, 0, "", fmt.Errorf("%w: end of central directory record not found", ErrFormat)
		}
		r.log().Info("end of central directory not found, scanning local headers", "size", src.Size())
		idx, err = r.scanLocalHeaders(src)
		return idx, StrategySequential, "", err
	default:
		return nil, 0, "", fmt.Errorf("zipkit: unknown strategy %d", r.strategy)
	}
}

// Strategy returns the strategy that built the index. It is only meaningful
// after a successful Index call.
func (r *Reader) Strategy() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Comment returns the archive comment from the end of central directory
// record. It is empty when the index was built by the sequential scan.
func (r *Reader) Comment() (string, error) {
	if _, err := r.Index(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.comment, nil
}

// Entry returns the entry stored under name.
func (r *Reader) Entry(name string) (Entry, error) {
	idx, err := r.Index()
	if err != nil {
		return Entry{}, err
	}
	e, ok := idx.Lookup(name)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

// HasEntry reports whether name is in the index.
func (r *Reader) HasEntry(name string) (bool, error) {
	idx, err := r.Index()
	if err != nil {
		return false, err
	}
	_, ok := idx.Lookup(name)
	return ok, nil
}

// ListFiles returns the paths of all file entries in archive order.
func (r *Reader) ListFiles() ([]string, error) {
	return r.list(func(e Entry) bool { return !e.IsDir })
}

// ListDirectories returns the paths of all directory entries in archive order.
func (r *Reader) ListDirectories() ([]string, error) {
	return r.list(func(e Entry) bool { return e.IsDir })
}

func (r *Reader) list(keep func(Entry) bool) ([]string, error) {
	idx, err := r.Index()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range idx.Entries() {
		if keep(e) {
			out = append(out, e.Path)
		}
	}
	return out, nil
}

// IsEmpty reports whether the index has no entries.
func (r *Reader) IsEmpty() (bool, error) {
	idx, err := r.Index()
	if err != nil {
		return false, err
	}
	return idx.Len() == 0, nil
}

// RootDirectory returns the name of the single wrapping directory when the
// archive has exactly one root-level directory entry and no root-level file
// entries. Installers use it to strip a wrapping folder.
func (r *Reader) RootDirectory() (string, bool, error) {
	idx, err := r.Index()
	if err != nil {
		return "", false, err
	}
	dir, ok := rootDirectory(idx.Entries())
	return dir, ok, nil
}

func rootDirectory(entries []Entry) (string, bool) {
	var dirs []string
	files := 0
	for _, e := range entries {
		if strings.Contains(e.Path, "/") {
			continue
		}
		if e.IsDir {
			dirs = append(dirs, e.Path)
		} else {
			files++
		}
	}
	if len(dirs) != 1 || files != 0 {
		return "", false
	}
	return dirs[0], true
}
