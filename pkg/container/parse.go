package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// ParseEntries decodes the entries found at the candidate offsets. Candidates
// must be increasing. A candidate inside the content of the previously
// accepted entry is a marker that happens to occur in payload bytes and is
// skipped. Truncated records fail with ErrCorrupt.
func ParseEntries(r io.ReaderAt, size int64, offsets []int64) ([]Embedded, error) {
	var (
		entries    []Embedded
		contentEnd int64
		last       int64 = -1
		hdr        [fixedHeaderLen]byte
	)
	for _, off := range offsets {
		if off <= last {
			return nil, fmt.Errorf("%w: %d after %d", ErrUnordered, off, last)
		}
		last = off
		if off < contentEnd {
			continue
		}

		if off < 0 || size-off < SentinelLen+2 {
			return nil, fmt.Errorf("%w: truncated header at %d", ErrCorrupt, off)
		}
		if err := readFull(r, hdr[:SentinelLen+2], off); err != nil {
			return nil, err
		}
		if !bytes.Equal(hdr[:SentinelLen], sentinel) {
			return nil, fmt.Errorf("%w: no sentinel at %d", ErrCorrupt, off)
		}
		nameLen := int64(binary.BigEndian.Uint16(hdr[SentinelLen:]))

		nameOff := off + SentinelLen + 2
		if size-nameOff < nameLen+4 {
			return nil, fmt.Errorf("%w: truncated header at %d", ErrCorrupt, off)
		}
		name := make([]byte, nameLen)
		if err := readFull(r, name, nameOff); err != nil {
			return nil, err
		}
		if err := readFull(r, hdr[:4], nameOff+nameLen); err != nil {
			return nil, err
		}
		contentLen := int64(binary.BigEndian.Uint32(hdr[:4]))

		start := nameOff + nameLen + 4
		if size-start < contentLen {
			return nil, fmt.Errorf("%w: entry at %d declares %d bytes, %d remain", ErrCorrupt, off, contentLen, size-start)
		}

		entries = append(entries, Embedded{
			Name:      strings.ToValidUTF8(string(name), "\uFFFD"),
			Offset:    start,
			RawOffset: off,
			Size:      contentLen,
		})
		contentEnd = start + contentLen
	}
	return entries, nil
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: short read of %d bytes at %d", ErrCorrupt, len(p), off)
	}
	return fmt.Errorf("read %d bytes at %d: %w", len(p), off, err)
}
