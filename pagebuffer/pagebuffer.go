// Package pagebuffer implements a growable byte buffer whose capacity is
// always a whole number of OS pages, so that successive WAL frames from a
// single transaction can be marshalled contiguously. Growing copies the
// written bytes into a new array, so a region handed out before a grow no
// longer aliases the buffer afterwards.
//
// Grounded on original_source/src/buffer.h (dqlite's buffer__advance /
// buffer__reset).
package pagebuffer

import "os"

var osPageSize = func() int {
	if sz := os.Getpagesize(); sz > 0 {
		return sz
	}
	return 4096
}()

// Buffer is a growable, page-aligned append buffer.
type Buffer struct {
	data   []byte
	offset int
}

// New returns a Buffer with an initial capacity of one OS page.
func New() *Buffer {
	return &Buffer{data: make([]byte, osPageSize)}
}

// Advance returns a writable region of size n at the current write
// cursor, growing the buffer in whole-page increments if needed, and
// advances the cursor past it. The returned slice aliases the buffer's
// backing array and is only valid until the next Advance call that
// triggers a grow, or until Reset.
func (b *Buffer) Advance(n int) []byte {
	needed := b.offset + n
	if needed > len(b.data) {
		newLen := len(b.data)
		for newLen < needed {
			newLen += osPageSize
		}
		grown := make([]byte, newLen)
		copy(grown, b.data[:b.offset])
		b.data = grown
	}
	region := b.data[b.offset : b.offset+n]
	b.offset += n
	return region
}

// Reset returns the write cursor to zero without freeing the underlying
// array, so the next transaction's Advance calls reuse the capacity.
func (b *Buffer) Reset() {
	b.offset = 0
}

// Bytes returns the portion of the buffer written so far.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.offset]
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return b.offset
}
