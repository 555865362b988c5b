package zipkit

import (
	"io"
	"mime"
	"strconv"

	"github.com/opencontainers/go-digest"
)

// ContentType is the media type of a ZIP archive.
const ContentType = "application/zip"

// Metadata describes a finished archive handed to a Sink.
type Metadata struct {
	// Filename is the suggested download name.
	Filename string
	// ContentType is always ContentType.
	ContentType string
	// ContentLength is the archive size in bytes.
	ContentLength int64
	// Digest is the sha256 digest of the archive bytes.
	Digest digest.Digest
}

// ContentDisposition returns an attachment disposition for the filename,
// encoded per RFC 6266 when the name is not plain ASCII.
func (m Metadata) ContentDisposition() string {
	if m.Filename == "" {
		return "attachment"
	}
	return mime.FormatMediaType("attachment", map[string]string{"filename": m.Filename})
}

// Headers returns the metadata as header name/value pairs, for transports
// with a header concept.
func (m Metadata) Headers() map[string]string {
	h := map[string]string{
		"Content-Type":        m.ContentType,
		"Content-Disposition": m.ContentDisposition(),
		"Content-Length":      strconv.FormatInt(m.ContentLength, 10),
	}
	if m.Digest != "" {
		h["ETag"] = strconv.Quote(m.Digest.String())
	}
	return h
}

// Sink receives a streamed archive once it is complete.
//
// Open is called exactly once, after the archive is finalized, and the
// archive bytes are then copied to the returned writer.
type Sink interface {
	Open(meta Metadata) (io.Writer, error)
}

// Flusher is implemented by sinks that buffer output written before the
// archive. Flush is called before Open.
type Flusher interface {
	Flush() error
}

// WriterSink adapts an io.Writer to Sink and records the metadata it was
// opened with.
type WriterSink struct {
	W    io.Writer
	Meta Metadata
}

// Open records meta and returns the wrapped writer.
func (s *WriterSink) Open(meta Metadata) (io.Writer, error) {
	s.Meta = meta
	return s.W, nil
}
