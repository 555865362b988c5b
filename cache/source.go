package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type cachedSource struct {
	src              Source
	cache            *BlockCache
	sourceID         string
	blockSize        int64
	maxBlocksPerRead int
}

func (s *cachedSource) Size() int64 {
	return s.src.Size()
}

func (s *cachedSource) SourceID() string {
	return s.sourceID
}

// ReadAt copies from each block overlapping [off, off+len(p)), fetching
// missing blocks from the source.
func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}

	want := min(int64(len(p)), size-off)
	first := off / s.blockSize
	last := (off + want - 1) / s.blockSize
	if s.maxBlocksPerRead > 0 && last-first+1 > int64(s.maxBlocksPerRead) {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for index := first; index <= last; index++ {
		start := index * s.blockSize
		end := min(start+s.blockSize, size)

		data, err := s.block(index, start, end-start)
		if err != nil {
			return int(n), err
		}

		from := max(off, start)
		to := min(off+want, end)
		copy(p[from-off:to-off], data[from-start:to-start])
		n += to - from
	}

	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// block returns one block from disk, or fetches and stores it. Concurrent
// misses on the same block share a single fetch.
func (s *cachedSource) block(index, off, length int64) ([]byte, error) {
	c := s.cache
	key := blockKey(s.sourceID, s.blockSize, index)
	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		path := c.pathFor(key)
		data, err := os.ReadFile(path) //nolint:gosec // path is derived from a hash
		switch {
		case err == nil && int64(len(data)) == length:
			return data, nil
		case err == nil:
			c.bytes.Add(-int64(len(data)))
			_ = os.Remove(path)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		data = make([]byte, length)
		if n, err := s.src.ReadAt(data, off); int64(n) != length {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		// A failed store still serves the fetched block.
		_ = c.store(path, data) //nolint:errcheck // cache writes are best-effort
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // always []byte when err is nil
}

// store writes a block through a temp file so readers never see a partial
// block.
func (c *BlockCache) store(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if ok, err := c.ensureCapacity(int64(len(data))); err != nil || !ok {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}
