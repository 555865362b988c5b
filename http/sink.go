package http //nolint:revive // intentional naming for domain clarity

import (
	"io"
	nethttp "net/http"

	"github.com/meigma/zipkit"
)

// ResponseSink is a zipkit.Sink that sends the archive as an HTTP response.
// Headers come from the archive Metadata: Content-Type, Content-Length,
// Content-Disposition and an ETag holding the archive digest.
type ResponseSink struct {
	w nethttp.ResponseWriter
}

// NewResponseSink returns a sink writing to w.
func NewResponseSink(w nethttp.ResponseWriter) *ResponseSink {
	return &ResponseSink{w: w}
}

// Open writes the response headers and returns the body writer.
func (s *ResponseSink) Open(meta zipkit.Metadata) (io.Writer, error) {
	h := s.w.Header()
	for k, v := range meta.Headers() {
		h.Set(k, v)
	}
	s.w.WriteHeader(nethttp.StatusOK)
	return s.w, nil
}

// ServeArchive builds an archive with build and streams it to w as
// filename. If build fails, or the request is canceled before the archive
// is complete, nothing is streamed and a 500 response is sent instead.
func ServeArchive(w nethttp.ResponseWriter, r *nethttp.Request, filename string,
	build func(*zipkit.Writer) error, opts ...zipkit.WriterOption,
) error {
	zw, err := zipkit.NewStream(NewResponseSink(w), filename, opts...)
	if err != nil {
		nethttp.Error(w, "archive unavailable", nethttp.StatusInternalServerError)
		return err
	}
	if err := build(zw); err != nil {
		zw.Abort()
		nethttp.Error(w, "archive unavailable", nethttp.StatusInternalServerError)
		return err
	}
	if err := r.Context().Err(); err != nil {
		zw.Abort()
		return err
	}
	return zw.Close()
}
