package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/saworbit/instpack/internal/metrics"
)

// ReplaceBase writes a copy of c to w with its base binary replaced by
// newBaseSize bytes of newBase. Entries are copied unchanged apart from the
// index layout, whose base end is rewritten when it is still marked.
func ReplaceBase(w io.Writer, c *Container, newBase io.Reader, newBaseSize int64) ([]Embedded, error) {
	start := time.Now()
	defer metrics.ObservePack(start, "replace")

	if newBaseSize > 0 {
		if _, err := io.CopyN(w, newBase, newBaseSize); err != nil {
			return nil, fmt.Errorf("copy base: %w", err)
		}
	}

	payloads := make([]Payload, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Name != IndexName {
			payloads = append(payloads, c.payload(e))
			continue
		}
		b, err := c.Bytes(e)
		if err != nil {
			return nil, err
		}
		b, err = rebaseIndex(b, newBaseSize)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, BytesPayload(IndexName, b))
	}
	return writeEntries(w, newBaseSize, payloads)
}

// WriteBase writes only the base binary of c, dropping every entry.
func WriteBase(w io.Writer, c *Container) error {
	_, err := io.Copy(w, c.file.SectionReader(0, c.BaseEnd()))
	return err
}

func (c *Container) payload(e Embedded) Payload {
	return Payload{
		Name: e.Name,
		Size: e.Size,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(c.Open(e)), nil },
	}
}

func rebaseIndex(b []byte, baseEnd int64) ([]byte, error) {
	layout, _, err := decodeIndex(b)
	if err != nil {
		return nil, err
	}
	if !layout.Marked() {
		return b, nil
	}
	if baseEnd > math.MaxUint32 {
		return nil, fmt.Errorf("%w: base of %d bytes cannot be indexed", ErrTooLarge, baseEnd)
	}
	out := make([]byte, len(b))
	copy(out, b)
	binary.BigEndian.PutUint32(out[len(indexMagic):], uint32(baseEnd))
	return out, nil
}
