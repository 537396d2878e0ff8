package stream

import (
	"errors"
	"io"
)

var errNegativePosition = errors.New("negative position")

// Buffer is an in-memory io.WriteSeeker. Writes past the end grow the buffer
// and zero-fill any gap.
type Buffer struct {
	buf []byte
	pos int64
}

// Write stores p at the current position.
func (b *Buffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.buf)) {
		if end > int64(cap(b.buf)) {
			grown := make([]byte, end, max(end, 2*int64(cap(b.buf))))
			copy(grown, b.buf)
			b.buf = grown
		} else {
			old := len(b.buf)
			b.buf = b.buf[:end]
			clear(b.buf[old:])
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

// Seek moves the write position.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errNegativePosition
	}
	b.pos = abs
	return abs, nil
}

// Bytes returns the buffer contents. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.buf)
}
