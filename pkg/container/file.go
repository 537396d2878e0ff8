package container

import (
	"fmt"
	"io"
	"os"

	"github.com/saworbit/instpack/internal/platform"
)

// File is a read-only, memory-mapped view of a file. When mapping is not
// available the contents are loaded with ReadAt instead.
type File struct {
	data    []byte
	mmapped bool
}

// OpenFile maps path read-only. The returned file must be closed to release
// the mapping.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(platform.LongPathname(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: %w: size %d not addressable", path, ErrTooLarge, size64)
	}

	data, mmapped, err := mapFile(f, int(size64))
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return &File{data: data, mmapped: mmapped}, nil
}

// NewBytesFile wraps an in-memory buffer.
func NewBytesFile(data []byte) *File {
	return &File{data: data}
}

// Len returns the file length.
func (f *File) Len() int64 {
	return int64(len(f.data))
}

// Bytes returns the whole mapping. It must not be used after Close.
func (f *File) Bytes() []byte {
	return f.data
}

// Slice returns a zero-copy view of [off, off+n).
func (f *File) Slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > f.Len() || n > f.Len()-off {
		return nil, fmt.Errorf("%w: range [%d,+%d) outside %d bytes", ErrCorrupt, off, n, f.Len())
	}
	return f.data[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= f.Len() {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// SectionReader returns a positioned reader over [off, off+n).
func (f *File) SectionReader(off, n int64) *io.SectionReader {
	return io.NewSectionReader(f, off, n)
}

// Close releases the mapping.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unmapFile(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}
