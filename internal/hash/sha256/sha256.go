// Package sha256 computes SHA-256 digests of export payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Digest returns the hex SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Writer passes writes through to an underlying writer while hashing them.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, h: sha256.New()}
}

// Write writes p to the underlying writer and hashes the bytes it accepted.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it can flush.
func (w *Writer) Flush() {
	if f, ok := w.w.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// Sum returns the hex digest of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 {
	return w.n
}
