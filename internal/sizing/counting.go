package sizing

import (
	"errors"
	"io"
	"math"
)

// ErrOffsetOverflow is returned when a written offset no longer fits in
// the 32-bit fields of a non-ZIP64 archive.
var ErrOffsetOverflow = errors.New("sizing: offset exceeds 32-bit range")

// OffsetWriter wraps a writer and tracks the absolute offset of the next
// byte, which is what local header and central directory offsets record.
type OffsetWriter struct {
	W io.Writer
	N int64
}

// Write implements io.Writer. Bytes are still forwarded when the offset
// grows past 4 GiB; Offset32 reports the overflow.
func (w *OffsetWriter) Write(p []byte) (int, error) {
	n, err := w.W.Write(p)
	w.N += int64(n)
	return n, err
}

// Offset32 returns the current offset as a ZIP offset field.
func (w *OffsetWriter) Offset32() (uint32, error) {
	if w.N > math.MaxUint32 {
		return 0, ErrOffsetOverflow
	}
	return uint32(w.N), nil
}
