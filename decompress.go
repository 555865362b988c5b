package zipkit

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/zipkit/internal/sizing"
)

// Working memory estimates added to the guard request on top of the
// compressed input and decompressed output buffers.
const (
	inflateState = 64 << 10
	bzip2State   = 3600 << 10
	zstdState    = 8 << 20
)

var errOversize = errors.New("output larger than declared size")

// guardEstimate returns the bytes to reserve before extracting e.
func (r *Reader) guardEstimate(e Entry) int64 {
	c, u := int64(e.CompressedSize), int64(e.UncompressedSize)
	switch e.Method {
	case Deflate:
		return c + u + inflateState
	case Bzip2:
		return c + u + bzip2State
	case Zstd:
		if r.zstd != nil {
			return c + u + zstdState
		}
	}
	return c
}

// supported reports whether entries using m can be decoded.
func (r *Reader) supported(m Method) bool {
	switch m {
	case Store, Deflate, Bzip2:
		return true
	case Zstd:
		return r.zstd != nil
	default:
		return false
	}
}

// decode turns the raw payload of e into its content. The whole entry is
// buffered in memory.
func (r *Reader) decode(e Entry, raw []byte) ([]byte, error) {
	switch e.Method {
	case Store:
		return raw, nil
	case Deflate:
		return inflate(raw, e)
	case Bzip2:
		return readExact(bzip2.NewReader(bytes.NewReader(raw)), e)
	case Zstd:
		if r.zstd == nil {
			break
		}
		dec, release, err := r.zstd.Get(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
		}
		defer release()
		return readExact(dec, e)
	}
	return nil, &UnsupportedCompressionError{Path: e.Path, Method: e.Method}
}

// inflate raw-inflates exactly the declared size of e from raw. The output
// buffer grows with what the stream produces, so an entry claiming more
// than its payload can hold fails without allocating the claimed size.
func inflate(raw []byte, e Entry) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	return readExact(io.LimitReader(fr, int64(e.UncompressedSize)), e)
}

// readExact reads all of dec, which must produce exactly the declared
// uncompressed size.
func readExact(dec io.Reader, e Entry) ([]byte, error) {
	out, err := sizing.ReadAllWithLimit(dec, uint64(e.UncompressedSize), errOversize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompression, e.Method, err)
	}
	if len(out) != int(e.UncompressedSize) {
		return nil, fmt.Errorf("%w: %s produced %d bytes, want %d", ErrDecompression, e.Method, len(out), e.UncompressedSize)
	}
	return out, nil
}

// zstdPool manages reusable zstd decoders.
type zstdPool struct {
	pool      sync.Pool
	maxMemory uint64
}

func newZstdPool(maxMemory uint64) *zstdPool {
	return &zstdPool{maxMemory: maxMemory}
}

// Get returns a decoder reading from src and a function returning it to
// the pool. No release is needed when an error is returned.
func (p *zstdPool) Get(src io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(src); err == nil {
			return dec, func() {
				_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
				p.pool.Put(dec)
			}, nil
		}
		dec.Close()
	}
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if p.maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	dec, err := zstd.NewReader(src, opts...)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}
