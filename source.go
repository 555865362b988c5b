package zipkit

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ByteSource is random-access archive storage with a known size.
//
// *os.File wrapped by FileSource, *bytes.Reader via NewBytesSource, and
// zipkit/http.Source all satisfy it.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// FileSource is a ByteSource over an open file.
type FileSource struct {
	f    *os.File
	size int64
}

// NewFileSource stats f and returns a ByteSource over it. The caller keeps
// ownership of f.
func NewFileSource(f *os.File) (*FileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, pathError("stat", f.Name(), err)
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the file size observed when the source was created.
func (s *FileSource) Size() int64 {
	return s.size
}

// BytesSource is a ByteSource over an in-memory archive.
type BytesSource struct {
	data []byte
}

// NewBytesSource returns a ByteSource over data. data must not be modified
// while the source is in use.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// ReadAt implements io.ReaderAt.
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("zipkit: negative offset")
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns len(data).
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// readFullAt reads exactly len(p) bytes at off. A short read is a format
// error since the archive claimed more bytes than it holds.
func readFullAt(src io.ReaderAt, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: read %d of %d bytes at offset %d", ErrFormat, n, len(p), off)
	}
	return err
}

// pathError wraps err in an *fs.PathError carrying ErrPath.
func pathError(op, name string, err error) error {
	return wrapPath(op, name, ErrPath, err)
}

// destError is pathError for extraction targets: an OS permission failure
// carries ErrPermission instead of ErrPath.
func destError(op, name string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return wrapPath(op, name, ErrPermission, err)
	}
	return wrapPath(op, name, ErrPath, err)
}

func wrapPath(op, name string, kind, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &fs.PathError{Op: op, Path: name, Err: fmt.Errorf("%w: %w", kind, err)}
}
