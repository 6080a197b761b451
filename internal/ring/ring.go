// Package ring implements a bounded ring byte buffer used for per-connection
// read and write queues. It is not safe for concurrent use; the event loop
// thread is the only mutator.
package ring

import "errors"

var ErrFull = errors.New("ring: write exceeds free space")

type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
}

// New returns a buffer whose capacity is capacity rounded up to a power of
// two, so index math stays a mask instead of a modulo.
func New(capacity int) *Buffer {
	capPow2 := 1
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	return &Buffer{buf: make([]byte, capPow2), mask: capPow2 - 1}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Write copies p into the buffer. The buffer is bounded: writes larger than
// the free space fail outright rather than being split.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrFull
	}
	n := len(p)
	start := b.writePos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(b.buf[start:end], p)
	} else {
		l := len(b.buf) - start
		copy(b.buf[start:], p[:l])
		copy(b.buf[:end-l], p[l:])
	}
	b.writePos += n
	return n, nil
}

// Peek returns up to n buffered bytes without advancing the read position.
// A wrapped region is copied into a fresh slice so callers always see
// contiguous bytes.
func (b *Buffer) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	if ln := b.Len(); n > ln {
		n = ln
	}
	if n == 0 {
		return nil
	}
	start := b.readPos & b.mask
	end := start + n
	if end <= len(b.buf) {
		return b.buf[start:end]
	}
	out := make([]byte, n)
	l := len(b.buf) - start
	copy(out[:l], b.buf[start:])
	copy(out[l:], b.buf[:end-l])
	return out
}

// Discard advances the read position by up to n bytes and reports how many
// were actually discarded.
func (b *Buffer) Discard(n int) int {
	if ln := b.Len(); n > ln {
		n = ln
	}
	if n < 0 {
		n = 0
	}
	b.readPos += n
	return n
}

// Reset drops all buffered bytes.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}
