package zipkit

import (
	"log/slog"

	"github.com/meigma/zipkit/internal/memguard"
)

// Strategy selects how a Reader builds its entry index.
type Strategy uint8

const (
	// StrategyAuto walks the central directory and falls back to a
	// sequential scan when no end of central directory record is found.
	StrategyAuto Strategy = iota

	// StrategyCentralDirectory only walks the central directory.
	StrategyCentralDirectory

	// StrategySequential only scans local file headers from offset zero.
	StrategySequential
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyCentralDirectory:
		return "central directory"
	case StrategySequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithExclusions drops entries matching any of patterns from the index.
// Excluded entries are not listed and cannot be extracted. Invalid patterns
// are reported by the first index access.
func WithExclusions(patterns ...string) ReaderOption {
	return func(r *Reader) {
		for _, p := range patterns {
			if err := r.rules.Add(p); err != nil && r.optErr == nil {
				r.optErr = err
			}
		}
	}
}

// WithStopAtName stops indexing once an entry whose path equals name,
// compared case-insensitively, has been indexed. Entries after it are
// absent from the index.
func WithStopAtName(name string) ReaderOption {
	return func(r *Reader) {
		r.stopAt = cleanName(name)
	}
}

// WithStrategy forces an indexing strategy (default: StrategyAuto).
func WithStrategy(s Strategy) ReaderOption {
	return func(r *Reader) {
		r.strategy = s
	}
}

// WithZstd enables extraction of Zstandard (method 93) entries.
// maxDecoderMemory limits decoder memory; zero means no limit.
func WithZstd(maxDecoderMemory uint64) ReaderOption {
	return func(r *Reader) {
		r.zstd = newZstdPool(maxDecoderMemory)
	}
}

// WithoutChecksum disables CRC-32 verification of extracted content.
func WithoutChecksum() ReaderOption {
	return func(r *Reader) {
		r.skipChecksum = true
	}
}

// WithLogger sets the logger for index and extraction events.
// By default, no logs are emitted.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logger
	}
}

// MemoryLimiter reads and adjusts the memory ceiling raised around large
// (de)compressions.
type MemoryLimiter = memguard.Limiter

// RuntimeLimiter is the MemoryLimiter over the Go runtime soft memory limit.
// A non-zero Max refuses raises beyond it.
type RuntimeLimiter = memguard.Runtime

// WithMemoryLimiter sets the limiter adjusted around each extraction.
// By default, the Go runtime soft memory limit is used.
func WithMemoryLimiter(l MemoryLimiter) ReaderOption {
	return func(r *Reader) {
		r.limiter = l
	}
}

// ExtractOption configures ExtractAll.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	stripRoot bool
	progress  ProgressFunc
}

// ExtractWithStripRoot removes the wrapping directory reported by
// RootDirectory from every extracted path. It has no effect when the
// archive has no single root directory.
func ExtractWithStripRoot() ExtractOption {
	return func(c *extractConfig) {
		c.stripRoot = true
	}
}

// ExtractWithProgress reports per-entry progress.
func ExtractWithProgress(fn ProgressFunc) ExtractOption {
	return func(c *extractConfig) {
		c.progress = fn
	}
}
