package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/saworbit/instpack/internal/metrics"
)

// WriteHeader writes the record header of an entry and returns the number of
// bytes written. The caller writes exactly size content bytes next.
func WriteHeader(w io.Writer, name string, size int64) (int64, error) {
	if err := checkEntry(name, size); err != nil {
		return 0, fmt.Errorf("entry %q: %w", name, err)
	}
	hdr := make([]byte, 0, HeaderLen(name))
	hdr = append(hdr, sentinel...)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(name)))
	hdr = append(hdr, name...)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(size))
	n, err := w.Write(hdr)
	return int64(n), err
}

// WriteEntry writes a full entry, copying exactly size bytes from r. It
// returns the total number of bytes written.
func WriteEntry(w io.Writer, name string, size int64, r io.Reader) (int64, error) {
	n, err := WriteHeader(w, name, size)
	if err != nil {
		return n, err
	}
	c, err := io.CopyN(w, r, size)
	n += c
	if err != nil {
		return n, fmt.Errorf("entry %q: copied %d of %d bytes: %w", name, c, size, err)
	}
	return n, nil
}

// Payload is a named content source for an entry.
type Payload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// BytesPayload serves content from memory.
func BytesPayload(name string, data []byte) Payload {
	return Payload{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FilePayload serves content from a file on disk. The size is taken now.
func FilePayload(name, path string) (Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Payload{}, err
	}
	if !info.Mode().IsRegular() {
		return Payload{}, fmt.Errorf("%s: not a regular file", path)
	}
	return Payload{
		Name: name,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

func (p Payload) writeTo(w io.Writer) (int64, error) {
	r, err := p.Open()
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", p.Name, err)
	}
	defer r.Close()
	return WriteEntry(w, p.Name, p.Size, r)
}

// Layout lists what goes into a container after the base binary.
type Layout struct {
	// Config is always written, even when empty.
	Config []byte
	Image  *Payload
	// Index adds an index entry describing the file entries.
	Index bool
	Meta  []byte
	Files []Payload
}

// plan resolves the entry order: config, image, index, meta, then files by
// name. The index content is computed up front because every size is known.
func (l Layout) plan(baseEnd int64) ([]Payload, error) {
	files := slices.Clone(l.Files)
	slices.SortStableFunc(files, func(a, b Payload) int { return strings.Compare(a.Name, b.Name) })
	for i, f := range files {
		if IsReserved(f.Name) {
			return nil, fmt.Errorf("%w: %q", ErrReservedName, f.Name)
		}
		if f.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrReservedName)
		}
		if i > 0 && files[i-1].Name == f.Name {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, f.Name)
		}
		if err := checkEntry(f.Name, f.Size); err != nil {
			return nil, fmt.Errorf("entry %q: %w", f.Name, err)
		}
	}

	entries := []Payload{BytesPayload(ConfigName, l.Config)}
	if l.Image != nil {
		img := *l.Image
		img.Name = ImageName
		entries = append(entries, img)
	}
	var index *indexPlan
	if l.Index {
		index = &indexPlan{at: len(entries)}
		entries = append(entries, Payload{Name: IndexName})
	}
	if l.Meta != nil {
		entries = append(entries, BytesPayload(MetaName, l.Meta))
	}
	entries = append(entries, files...)

	if index != nil {
		if err := index.fill(entries, baseEnd); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Build writes baseSize bytes of base followed by the entries of layout, and
// returns the entry table of the result.
func Build(w io.Writer, base io.Reader, baseSize int64, layout Layout) ([]Embedded, error) {
	defer metrics.ObservePack(time.Now(), "pack")

	entries, err := layout.plan(baseSize)
	if err != nil {
		return nil, err
	}
	if baseSize > 0 {
		if _, err := io.CopyN(w, base, baseSize); err != nil {
			return nil, fmt.Errorf("copy base: %w", err)
		}
	}
	return writeEntries(w, baseSize, entries)
}

func writeEntries(w io.Writer, pos int64, entries []Payload) ([]Embedded, error) {
	table := make([]Embedded, 0, len(entries))
	for _, p := range entries {
		n, err := p.writeTo(w)
		if err != nil {
			return nil, err
		}
		table = append(table, Embedded{
			Name:      p.Name,
			Offset:    pos + HeaderLen(p.Name),
			RawOffset: pos,
			Size:      p.Size,
		})
		pos += n
	}
	return table, nil
}
