package container

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

var indexMagic = [4]byte{'I', 'P', 'L', 'X'}

const (
	layoutRecordLen = 24
	// layoutFieldsLen is the part of the layout record that Unmark clears.
	layoutFieldsLen = layoutRecordLen - len("IPLX")
	maxIndexNameLen = math.MaxUint8
)

// IndexLayout records where the fixed parts of a container ended when the
// index was built. A zeroed layout means the index was unmarked.
type IndexLayout struct {
	BaseEnd   uint32
	ConfigLen uint32
	ImageLen  uint32
	IndexLen  uint32
	MetaLen   uint32
}

// Marked reports whether the layout still carries data.
func (l IndexLayout) Marked() bool {
	return l != IndexLayout{}
}

// IndexRow locates one file entry. Offset is the content position relative to
// the first entry.
type IndexRow struct {
	Name   string
	Size   uint32
	Offset uint32
}

type indexPlan struct {
	at int
}

func (p *indexPlan) fill(entries []Payload, baseEnd int64) error {
	if baseEnd > math.MaxUint32 {
		return fmt.Errorf("%w: base of %d bytes cannot be indexed", ErrTooLarge, baseEnd)
	}
	size := int64(layoutRecordLen)
	for _, e := range entries {
		if IsReserved(e.Name) {
			continue
		}
		if len(e.Name) > maxIndexNameLen {
			return fmt.Errorf("%w: %q cannot be indexed", ErrNameTooLong, e.Name)
		}
		size += 1 + int64(len(e.Name)) + 8
	}
	if size > MaxContentLen {
		return fmt.Errorf("%w: index of %d bytes", ErrTooLarge, size)
	}

	layout := IndexLayout{BaseEnd: uint32(baseEnd), IndexLen: uint32(size)}
	var rows []IndexRow
	var pos int64
	for i, e := range entries {
		esize := e.Size
		if i == p.at {
			esize = size
		}
		content := pos + HeaderLen(e.Name)
		switch e.Name {
		case ConfigName:
			layout.ConfigLen = uint32(esize)
		case ImageName:
			layout.ImageLen = uint32(esize)
		case MetaName:
			layout.MetaLen = uint32(esize)
		}
		if !IsReserved(e.Name) {
			if content > math.MaxUint32 {
				return fmt.Errorf("%w: %q lies beyond the indexable range", ErrTooLarge, e.Name)
			}
			rows = append(rows, IndexRow{Name: e.Name, Size: uint32(esize), Offset: uint32(content)})
		}
		pos = content + esize
	}

	entries[p.at] = BytesPayload(IndexName, encodeIndex(layout, rows))
	return nil
}

func encodeIndex(layout IndexLayout, rows []IndexRow) []byte {
	b := make([]byte, 0, layoutRecordLen+len(rows)*16)
	b = append(b, indexMagic[:]...)
	b = binary.BigEndian.AppendUint32(b, layout.BaseEnd)
	b = binary.BigEndian.AppendUint32(b, layout.ConfigLen)
	b = binary.BigEndian.AppendUint32(b, layout.ImageLen)
	b = binary.BigEndian.AppendUint32(b, layout.IndexLen)
	b = binary.BigEndian.AppendUint32(b, layout.MetaLen)
	for _, r := range rows {
		b = append(b, byte(len(r.Name)))
		b = append(b, r.Name...)
		b = binary.BigEndian.AppendUint32(b, r.Size)
		b = binary.BigEndian.AppendUint32(b, r.Offset)
	}
	return b
}

func decodeIndex(b []byte) (IndexLayout, []IndexRow, error) {
	if len(b) < layoutRecordLen || [4]byte(b[:4]) != indexMagic {
		return IndexLayout{}, nil, fmt.Errorf("%w: bad index record", ErrCorrupt)
	}
	u32 := binary.BigEndian.Uint32
	layout := IndexLayout{
		BaseEnd:   u32(b[4:]),
		ConfigLen: u32(b[8:]),
		ImageLen:  u32(b[12:]),
		IndexLen:  u32(b[16:]),
		MetaLen:   u32(b[20:]),
	}

	var rows []IndexRow
	rest := b[layoutRecordLen:]
	for len(rest) > 0 {
		n := int(rest[0])
		if len(rest) < 1+n+8 {
			return IndexLayout{}, nil, fmt.Errorf("%w: truncated index row", ErrCorrupt)
		}
		rows = append(rows, IndexRow{
			Name:   string(rest[1 : 1+n]),
			Size:   u32(rest[1+n:]),
			Offset: u32(rest[5+n:]),
		})
		rest = rest[9+n:]
	}
	return layout, rows, nil
}

// ReadIndex decodes the index entry of c.
func ReadIndex(c *Container) (IndexLayout, []IndexRow, error) {
	e, ok := c.Find(IndexName)
	if !ok {
		return IndexLayout{}, nil, ErrNoIndex
	}
	b, err := c.Bytes(e)
	if err != nil {
		return IndexLayout{}, nil, err
	}
	return decodeIndex(b)
}

// VerifyIndex checks the index of c against the scanned entry table. Every
// row must name an entry at the recorded position and size. When the layout
// is still marked it must match the fixed entries too. Entries appended after
// the index was built are not required to be listed.
func VerifyIndex(c *Container) error {
	layout, rows, err := ReadIndex(c)
	if err != nil {
		return err
	}
	base := c.BaseEnd()

	if layout.Marked() {
		if int64(layout.BaseEnd) != base {
			return fmt.Errorf("%w: base ends at %d, index says %d", ErrIndexMismatch, base, layout.BaseEnd)
		}
		for _, want := range []struct {
			name string
			size uint32
		}{
			{ConfigName, layout.ConfigLen},
			{ImageName, layout.ImageLen},
			{IndexName, layout.IndexLen},
			{MetaName, layout.MetaLen},
		} {
			var got int64
			if e, ok := c.Find(want.name); ok {
				got = e.Size
			}
			if got != int64(want.size) {
				return fmt.Errorf("%w: %q is %d bytes, index says %d", ErrIndexMismatch, want.name[1:], got, want.size)
			}
		}
	}

	for _, r := range rows {
		e, ok := c.Find(r.Name)
		if !ok {
			return fmt.Errorf("%w: %q missing", ErrIndexMismatch, r.Name)
		}
		if e.Size != int64(r.Size) || e.Offset-base != int64(r.Offset) {
			return fmt.Errorf("%w: %q at +%d (%d bytes), index says +%d (%d bytes)",
				ErrIndexMismatch, r.Name, e.Offset-base, e.Size, r.Offset, r.Size)
		}
	}
	return nil
}

// Unmark zero-fills the layout record of the index entry in place. This is
// the one edit made to a container without rewriting it.
func Unmark(path string) error {
	c, err := Open(path)
	if err != nil {
		return err
	}
	e, ok := c.Find(IndexName)
	if !ok {
		c.Close()
		return ErrNoIndex
	}
	if e.Size < layoutRecordLen {
		c.Close()
		return fmt.Errorf("%w: index of %d bytes", ErrCorrupt, e.Size)
	}
	head, err := c.Bytes(Embedded{Offset: e.Offset, Size: 4})
	if err != nil || [4]byte(head) != indexMagic {
		c.Close()
		return fmt.Errorf("%w: bad index record", ErrCorrupt)
	}
	at := e.Offset + int64(len(indexMagic))
	if err := c.Close(); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(make([]byte, layoutFieldsLen), at); err != nil {
		f.Close()
		return fmt.Errorf("unmark %s: %w", path, err)
	}
	return f.Close()
}
