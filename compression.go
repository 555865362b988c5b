package zipkit

import (
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// DefaultCompressionLevel is the Deflate level used unless WithCompressionLevel
// overrides it.
const DefaultCompressionLevel = flate.DefaultCompression

// SkipCompressionFunc returns true when a file should be stored uncompressed.
// It is called once per file and should be inexpensive.
type SkipCompressionFunc func(path string, info fs.FileInfo) bool

// DefaultSkipCompression returns a SkipCompressionFunc that skips files
// smaller than minSize and known already-compressed extensions.
func DefaultSkipCompression(minSize int64) SkipCompressionFunc {
	return func(path string, info fs.FileInfo) bool {
		if info != nil && minSize > 0 && info.Size() < minSize {
			return true
		}
		ext := strings.ToLower(filepath.Ext(path))
		_, ok := precompressedExts[ext]
		return ok
	}
}

func shouldStore(path string, info fs.FileInfo, predicates []SkipCompressionFunc) bool {
	for _, fn := range predicates {
		if fn != nil && fn(path, info) {
			return true
		}
	}
	return false
}

var precompressedExts = map[string]struct{}{
	".7z":    {},
	".apk":   {},
	".avif":  {},
	".br":    {},
	".bz2":   {},
	".docx":  {},
	".epub":  {},
	".gif":   {},
	".gz":    {},
	".jar":   {},
	".jpeg":  {},
	".jpg":   {},
	".mp3":   {},
	".mp4":   {},
	".ogg":   {},
	".pdf":   {},
	".png":   {},
	".rar":   {},
	".tgz":   {},
	".webm":  {},
	".webp":  {},
	".woff":  {},
	".woff2": {},
	".xlsx":  {},
	".xz":    {},
	".zip":   {},
	".zst":   {},
}

// encodePayload returns the bytes to store for e and the method code that
// produced them.
func encodePayload(e fileItem, level int) ([]byte, uint16, error) {
	if e.Store {
		return e.Data, uint16(Store), nil
	}
	payload, err := deflateBytes(e.Data, level)
	if err != nil {
		return nil, 0, fmt.Errorf("deflate %s: %w", e.Name, err)
	}
	return payload, uint16(Deflate), nil
}

// deflateBytes compresses data as a raw Deflate stream.
func deflateBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
