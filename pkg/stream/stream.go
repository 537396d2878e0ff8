package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ReadFunc fills out with the bytes found at pos. It returns len(out) on
// success and 0 on any failure; partial reads are never reported.
type ReadFunc func(pos uint64, out []byte) int

// WriteFunc stores data at pos. It returns len(data) on success and 0 on any
// failure; partial writes are never reported.
type WriteFunc func(pos uint64, data []byte) int

// ErrCanceled is recorded when a callback is refused because its context is done.
var ErrCanceled = errors.New("stream canceled")

// Input is a byte source as seen by a delta algorithm.
type Input struct {
	Size uint64
	Read ReadFunc

	trace *errTrace
}

// Output is a byte sink as seen by a delta algorithm. Size is an upper bound
// on the bytes the sink accepts; zero means unbounded.
type Output struct {
	Size  uint64
	Write WriteFunc

	trace *errTrace
}

// errTrace remembers the first native error behind a zero-length result.
type errTrace struct {
	err error
}

func (t *errTrace) fail(err error) int {
	if t.err == nil {
		t.err = err
	}
	return 0
}

// NewSeekInput adapts a seekable reader. Every callback seeks to the
// requested absolute position before reading.
func NewSeekInput(r io.ReadSeeker, size int64) *Input {
	t := &errTrace{}
	return &Input{
		Size:  uint64(size),
		trace: t,
		Read: func(pos uint64, out []byte) int {
			if _, err := r.Seek(int64(pos), io.SeekStart); err != nil {
				return t.fail(fmt.Errorf("seek to %d: %w", pos, err))
			}
			if _, err := io.ReadFull(r, out); err != nil {
				return t.fail(fmt.Errorf("read %d bytes at %d: %w", len(out), pos, err))
			}
			return len(out)
		},
	}
}

// NewSeqInput adapts a sequential reader. The position argument is ignored;
// callers must consume the stream strictly in order.
func NewSeqInput(r io.Reader, size int64) *Input {
	t := &errTrace{}
	return &Input{
		Size:  uint64(size),
		trace: t,
		Read: func(pos uint64, out []byte) int {
			if _, err := io.ReadFull(r, out); err != nil {
				return t.fail(fmt.Errorf("read %d bytes: %w", len(out), err))
			}
			return len(out)
		},
	}
}

// NewSeqOutput adapts a sequential writer. The position argument is ignored.
func NewSeqOutput(w io.Writer) *Output {
	t := &errTrace{}
	return &Output{
		trace: t,
		Write: func(pos uint64, data []byte) int {
			if err := writeFull(w, data); err != nil {
				return t.fail(err)
			}
			return len(data)
		},
	}
}

// NewSeekOutput adapts a seekable writer. Every callback seeks to the
// requested absolute position before writing.
func NewSeekOutput(w io.WriteSeeker) *Output {
	t := &errTrace{}
	return &Output{
		trace: t,
		Write: func(pos uint64, data []byte) int {
			if _, err := w.Seek(int64(pos), io.SeekStart); err != nil {
				return t.fail(fmt.Errorf("seek to %d: %w", pos, err))
			}
			if err := writeFull(w, data); err != nil {
				return t.fail(err)
			}
			return len(data)
		},
	}
}

func writeFull(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("write %d bytes: %w", len(data), err)
	}
	if n != len(data) {
		return fmt.Errorf("write %d bytes: %w", len(data), io.ErrShortWrite)
	}
	return nil
}

// WithContext returns a copy of in whose callbacks fail once ctx is done.
func (in *Input) WithContext(ctx context.Context) *Input {
	t := in.traceOrNew()
	read := in.Read
	return &Input{
		Size:  in.Size,
		trace: t,
		Read: func(pos uint64, out []byte) int {
			if err := ctx.Err(); err != nil {
				return t.fail(fmt.Errorf("%w: %v", ErrCanceled, err))
			}
			return read(pos, out)
		},
	}
}

// WithContext returns a copy of out whose callbacks fail once ctx is done.
func (out *Output) WithContext(ctx context.Context) *Output {
	t := out.traceOrNew()
	write := out.Write
	return &Output{
		Size:  out.Size,
		trace: t,
		Write: func(pos uint64, data []byte) int {
			if err := ctx.Err(); err != nil {
				return t.fail(fmt.Errorf("%w: %v", ErrCanceled, err))
			}
			return write(pos, data)
		},
	}
}

// Err returns the first error that made a callback report failure.
func (in *Input) Err() error {
	if in == nil || in.trace == nil {
		return nil
	}
	return in.trace.err
}

// Err returns the first error that made a callback report failure.
func (out *Output) Err() error {
	if out == nil || out.trace == nil {
		return nil
	}
	return out.trace.err
}

func (in *Input) traceOrNew() *errTrace {
	if in.trace == nil {
		in.trace = &errTrace{}
	}
	return in.trace
}

func (out *Output) traceOrNew() *errTrace {
	if out.trace == nil {
		out.trace = &errTrace{}
	}
	return out.trace
}
