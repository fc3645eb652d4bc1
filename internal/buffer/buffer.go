// Package buffer provides a growable byte buffer used as both a write
// cursor (for encoding) and a read cursor (for decoding) over AMQP wire
// bytes.
package buffer

import "encoding/binary"

// Buffer is a growable byte buffer with a single read offset: writes
// append at the end, reads consume from the front, and Reset rewinds both
// to zero.
type Buffer struct {
	b   []byte
	off int // read offset
}

// New returns a Buffer with b as its initial (owned) backing slice.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Size returns the total number of bytes written (including already-read
// bytes). Used by encoders that need to patch a size field after more
// writes have happened.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Reset discards all buffered data, retaining the underlying storage.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Bytes returns a slice of the unread portion of the buffer. The slice is
// valid only until the next mutating call on b.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the unread bytes and resets b to empty, transferring
// ownership of the backing array to the caller.
func (b *Buffer) Detach() []byte {
	out := b.b[b.off:]
	b.b = nil
	b.off = 0
	return out
}

func (b *Buffer) grow(n int) {
	if cap(b.b)-len(b.b) >= n {
		return
	}
	// amortized doubling
	need := len(b.b) + n
	newCap := cap(b.b)*2 + n
	if newCap < need {
		newCap = need
	}
	nb := make([]byte, len(b.b), newCap)
	copy(nb, b.b)
	b.b = nb
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.b = append(b.b, p...)
	return len(p), nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) (int, error) {
	b.grow(len(s))
	b.b = append(b.b, s...)
	return len(s), nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.grow(1)
	b.b = append(b.b, c)
	return nil
}

// WriteUint16 appends v in big-endian order.
func (b *Buffer) WriteUint16(v uint16) {
	b.grow(2)
	b.b = binary.BigEndian.AppendUint16(b.b, v)
}

// WriteUint32 appends v in big-endian order.
func (b *Buffer) WriteUint32(v uint32) {
	b.grow(4)
	b.b = binary.BigEndian.AppendUint32(b.b, v)
}

// WriteUint64 appends v in big-endian order.
func (b *Buffer) WriteUint64(v uint64) {
	b.grow(8)
	b.b = binary.BigEndian.AppendUint64(b.b, v)
}

// Append is an alias for Write that communicates intent at payload-append
// call sites (e.g. appending a transfer's message payload after its
// performative header has been marshaled).
func (b *Buffer) Append(p []byte) {
	b.grow(len(p))
	b.b = append(b.b, p...)
}

// Next consumes and returns the next n unread bytes. If n is negative, all
// remaining bytes are consumed and returned. ok is false (and the cursor is
// left unmoved) if fewer than n unread bytes remain.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if n < 0 {
		n = int64(b.Len())
	}
	if int64(b.Len()) < n {
		return nil, false
	}
	out := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return out, true
}

// Peek returns the next n unread bytes without consuming them. ok is false
// if fewer than n bytes remain.
func (b *Buffer) Peek(n int) ([]byte, bool) {
	if b.Len() < n {
		return nil, false
	}
	return b.b[b.off : b.off+n], true
}

// Skip discards n unread bytes.
func (b *Buffer) Skip(n int) bool {
	if b.Len() < n {
		return false
	}
	b.off += n
	return true
}

// ReadByte consumes and returns the next byte.
func (b *Buffer) ReadByte() (byte, bool) {
	if b.Len() < 1 {
		return 0, false
	}
	c := b.b[b.off]
	b.off++
	return c, true
}

// ReadUint16 consumes and returns the next 2 bytes as a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, bool) {
	if b.Len() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(b.b[b.off:])
	b.off += 2
	return v, true
}

// ReadUint32 consumes and returns the next 4 bytes as a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, bool) {
	if b.Len() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(b.b[b.off:])
	b.off += 4
	return v, true
}

// ReadUint64 consumes and returns the next 8 bytes as a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, bool) {
	if b.Len() < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(b.b[b.off:])
	b.off += 8
	return v, true
}

// Pos returns the current read offset. Paired with Rewind to support
// speculative/retryable reads.
func (b *Buffer) Pos() int {
	return b.off
}

// Rewind resets the read offset to pos, a value previously returned by Pos.
func (b *Buffer) Rewind(pos int) {
	b.off = pos
}
