package container

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/saworbit/instpack/internal/metrics"
)

// Container is an opened container with its entry table.
type Container struct {
	file    *File
	entries []Embedded
}

// Open maps path and scans it for entries.
func Open(path string) (*Container, error) {
	return OpenWithChunkSize(path, DefaultChunkSize)
}

// OpenWithChunkSize is Open with an explicit scan read size.
func OpenWithChunkSize(path string, chunkSize int) (*Container, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	c, err := New(f, chunkSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// New scans f for entries. The container takes ownership of f.
func New(f *File, chunkSize int) (*Container, error) {
	start := time.Now()
	offsets, err := FindSentinelsSize(bytes.NewReader(f.Bytes()), chunkSize)
	if err != nil {
		return nil, err
	}
	entries, err := ParseEntries(f, f.Len(), offsets)
	if err != nil {
		return nil, err
	}
	metrics.ObserveScan(start, len(entries))
	return &Container{file: f, entries: entries}, nil
}

// Close releases the underlying mapping.
func (c *Container) Close() error {
	return c.file.Close()
}

// Size returns the container length.
func (c *Container) Size() int64 {
	return c.file.Len()
}

// File returns the mapped container.
func (c *Container) File() *File {
	return c.file
}

// Entries returns a copy of the entry table in offset order.
func (c *Container) Entries() []Embedded {
	out := make([]Embedded, len(c.entries))
	copy(out, c.entries)
	return out
}

// Find returns the first entry called name.
func (c *Container) Find(name string) (Embedded, bool) {
	for _, e := range c.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Embedded{}, false
}

// Open returns a reader over the content of e.
func (c *Container) Open(e Embedded) *io.SectionReader {
	return c.file.SectionReader(e.Offset, e.Size)
}

// Bytes returns a zero-copy view of the content of e.
func (c *Container) Bytes(e Embedded) ([]byte, error) {
	return c.file.Slice(e.Offset, e.Size)
}

// BaseEnd returns the length of the base binary: the offset of the first
// entry, or the whole file when there are none.
func (c *Container) BaseEnd() int64 {
	if len(c.entries) == 0 {
		return c.Size()
	}
	return c.entries[0].RawOffset
}

// ValidateLayout checks the producer ordering: config first, image directly
// after it when present.
func (c *Container) ValidateLayout() error {
	if len(c.entries) == 0 || c.entries[0].Name != ConfigName {
		return fmt.Errorf("%w: first entry is not the config", ErrLayout)
	}
	for i, e := range c.entries {
		if e.Name == ConfigName && i != 0 {
			return fmt.Errorf("%w: second config entry at %d", ErrLayout, e.RawOffset)
		}
		if e.Name == ImageName && i != 1 {
			return fmt.Errorf("%w: image is entry %d, want 1", ErrLayout, i)
		}
	}
	return nil
}

// ConfigEnd returns the end of the base, config and optional image prefix.
func (c *Container) ConfigEnd() (int64, error) {
	if err := c.ValidateLayout(); err != nil {
		return 0, err
	}
	end := c.entries[0].End()
	if len(c.entries) > 1 && c.entries[1].Name == ImageName {
		end = c.entries[1].End()
	}
	return end, nil
}

// Config returns the config content.
func (c *Container) Config() ([]byte, error) {
	if err := c.ValidateLayout(); err != nil {
		return nil, err
	}
	return c.Bytes(c.entries[0])
}
