// Package cache keeps fixed-size blocks of remote archives on local disk.
//
// Indexing an archive reads the end record, the central directory and one
// local header per entry: many small reads that each cost a round trip on a
// remote source. Wrapping the source in a BlockCache turns repeat reads of
// the same region, across Readers and across processes, into file reads.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/zipkit"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// DefaultBlockSize is the default size of a cached block.
const DefaultBlockSize int64 = 64 << 10

// DefaultMaxBlocksPerRead caps the blocks a single ReadAt may cache. Larger
// reads are usually entry payloads streamed once and go straight to the
// source.
const DefaultMaxBlocksPerRead = 4

// Source is a ByteSource with a stable identity. The ID is part of every
// block key, so it must change whenever the content does.
type Source interface {
	zipkit.ByteSource

	// SourceID returns the identity of the content behind the source.
	SourceID() string
}

// BlockCache stores source blocks as files under a directory, optionally
// sharded by key prefix. It is safe for concurrent use.
type BlockCache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	bytes          atomic.Int64
	fetchGroup     singleflight.Group
	pruneMu        sync.Mutex
}

// Option configures a BlockCache.
type Option func(*BlockCache)

// WithMaxBytes bounds the cache size. The oldest blocks are pruned to make
// room. Values <= 0 disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *BlockCache) {
		c.maxBytes = n
	}
}

// WithShardPrefixLen sets the number of hex characters used for the
// subdirectory shard. Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *BlockCache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions of created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *BlockCache) {
		c.dirPerm = mode
	}
}

// New creates a block cache rooted at dir, creating dir if needed. Blocks
// already present are counted toward the size limit.
func New(dir string, opts ...Option) (*BlockCache, error) {
	if dir == "" {
		return nil, errors.New("cache: dir is empty")
	}
	c := &BlockCache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("cache: shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("cache: max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// WrapConfig controls how a wrapped source is cached.
type WrapConfig struct {
	// BlockSize is the size in bytes of each cached block.
	BlockSize int64

	// MaxBlocksPerRead is the most blocks a single ReadAt caches. Reads
	// spanning more go to the source uncached. 0 disables the limit.
	MaxBlocksPerRead int
}

// WrapOption configures Wrap.
type WrapOption func(*WrapConfig)

// WithBlockSize sets the block size.
func WithBlockSize(n int64) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.BlockSize = n
	}
}

// WithMaxBlocksPerRead bypasses the cache for reads spanning more than n
// blocks. Values <= 0 disable the limit.
func WithMaxBlocksPerRead(n int) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.MaxBlocksPerRead = n
	}
}

// Wrap returns a ByteSource that serves reads of src from cached blocks.
func (c *BlockCache) Wrap(src Source, opts ...WrapOption) (zipkit.ByteSource, error) {
	if src == nil {
		return nil, errors.New("cache: source is nil")
	}
	cfg := WrapConfig{BlockSize: DefaultBlockSize, MaxBlocksPerRead: DefaultMaxBlocksPerRead}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize > math.MaxInt32 {
		return nil, errors.New("cache: block size out of range")
	}
	if cfg.MaxBlocksPerRead < 0 {
		cfg.MaxBlocksPerRead = 0
	}
	id := src.SourceID()
	if id == "" {
		return nil, errors.New("cache: source id is empty")
	}
	return &cachedSource{
		src:              src,
		cache:            c,
		sourceID:         id,
		blockSize:        cfg.BlockSize,
		maxBlocksPerRead: cfg.MaxBlocksPerRead,
	}, nil
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current size of the cached blocks.
func (c *BlockCache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes the oldest blocks until the cache is at or below
// targetBytes and returns the number of bytes freed.
func (c *BlockCache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, max(targetBytes, 0))
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

// blockKey hashes the source identity with the block geometry, so the same
// source wrapped with different block sizes never shares blocks.
func blockKey(sourceID string, blockSize, index int64) string {
	h := sha256.New()
	_, _ = h.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(blockSize)) //nolint:gosec // validated > 0
	binary.BigEndian.PutUint64(buf[8:], uint64(index))     //nolint:gosec // always >= 0
	_, _ = h.Write(buf[:])                                 //nolint:errcheck // hash writes never fail

	return hex.EncodeToString(h.Sum(nil))
}

func (c *BlockCache) pathFor(key string) string {
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, key)
	}
	return filepath.Join(c.dir, key[:min(c.shardPrefixLen, len(key))], key)
}

// ensureCapacity reports whether need more bytes fit, pruning if required.
func (c *BlockCache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}
