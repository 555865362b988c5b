package zipkit

import (
	"log/slog"
	"time"
)

// DefaultRemoveDelay is how long a streamed writer waits after copying the
// archive to its Sink before deleting the temp file.
const DefaultRemoveDelay = 100 * time.Millisecond

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	backend     Backend
	caps        Capabilities
	level       int
	skip        []SkipCompressionFunc
	comment     string
	removeDelay time.Duration
	tempDir     string
	progress    ProgressFunc
	logger      *slog.Logger
	limiter     MemoryLimiter
}

func defaultWriterConfig() writerConfig {
	return writerConfig{
		caps:        DefaultCapabilities(),
		level:       DefaultCompressionLevel,
		removeDelay: DefaultRemoveDelay,
	}
}

// WithBackend forces a backend instead of selecting one from the process
// capabilities. Forcing a backend that WithoutBackends removed is an error.
func WithBackend(b Backend) WriterOption {
	return func(c *writerConfig) {
		c.backend = b
	}
}

// WithoutBackends marks native backends as unavailable before selection.
// Passing BackendLegacy or BackendAuto has no effect.
func WithoutBackends(bs ...Backend) WriterOption {
	return func(c *writerConfig) {
		for _, b := range bs {
			switch b {
			case BackendCompress:
				c.caps.Compress = false
			case BackendStdlib:
				c.caps.Stdlib = false
			}
		}
	}
}

// WithGoVersion overrides the Go version used for backend selection.
func WithGoVersion(v string) WriterOption {
	return func(c *writerConfig) {
		c.caps.GoVersion = v
	}
}

// WithCompressionLevel sets the Deflate level, from -2 (Huffman only)
// through 9 (best compression).
func WithCompressionLevel(level int) WriterOption {
	return func(c *writerConfig) {
		c.level = level
	}
}

// WithSkipCompression adds predicates that decide to store a file uncompressed.
// If any predicate returns true, compression is skipped for that file.
func WithSkipCompression(fns ...SkipCompressionFunc) WriterOption {
	return func(c *writerConfig) {
		c.skip = append(c.skip, fns...)
	}
}

// WithComment sets the archive comment stored in the end record.
func WithComment(comment string) WriterOption {
	return func(c *writerConfig) {
		c.comment = comment
	}
}

// WithRemoveDelay sets the pause between streaming a finished archive and
// deleting its temp file (default: DefaultRemoveDelay).
func WithRemoveDelay(d time.Duration) WriterOption {
	return func(c *writerConfig) {
		if d < 0 {
			d = 0
		}
		c.removeDelay = d
	}
}

// WithTempDir sets the directory for a streamed writer's temp file.
// By default, os.TempDir is used.
func WithTempDir(dir string) WriterOption {
	return func(c *writerConfig) {
		c.tempDir = dir
	}
}

// WithProgress reports progress while adding directories and streaming.
func WithProgress(fn ProgressFunc) WriterOption {
	return func(c *writerConfig) {
		c.progress = fn
	}
}

// WithWriterLogger sets the logger for writer events.
// By default, no logs are emitted.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) {
		c.logger = logger
	}
}

// WithWriterMemoryLimiter sets the limiter raised while compressing.
// By default, the Go runtime soft memory limit is used.
func WithWriterMemoryLimiter(l MemoryLimiter) WriterOption {
	return func(c *writerConfig) {
		c.limiter = l
	}
}
