package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used by FindSentinels.
const DefaultChunkSize = 4096

// FindSentinels returns the offset of every sentinel in r, in increasing
// order. Matches may overlap and may lie inside entry content; ParseEntries
// sorts that out.
func FindSentinels(r io.Reader) ([]int64, error) {
	return FindSentinelsSize(r, DefaultChunkSize)
}

// FindSentinelsSize is FindSentinels with an explicit read size. The result
// does not depend on chunkSize.
func FindSentinelsSize(r io.Reader, chunkSize int) ([]int64, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("scan chunk size must be positive, got %d", chunkSize)
	}

	// The last SentinelLen-1 bytes of each read are carried to the front of
	// the buffer so a marker split across reads is seen whole. A carried
	// window was never checked: it did not fit before the end of the data.
	const keep = SentinelLen - 1
	buf := make([]byte, keep+chunkSize)

	var (
		offsets []int64
		base    int64 // file offset of buf[0]
		carry   int
	)
	for {
		n, err := r.Read(buf[carry : carry+chunkSize])
		if n > 0 {
			end := carry + n
			for s := 0; s+SentinelLen <= end; s++ {
				if buf[s] == sentinel[0] && bytes.Equal(buf[s:s+SentinelLen], sentinel) {
					offsets = append(offsets, base+int64(s))
				}
			}
			k := min(keep, end)
			copy(buf, buf[end-k:end])
			base += int64(end - k)
			carry = k
		}
		if errors.Is(err, io.EOF) {
			return offsets, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan at %d: %w", base+int64(carry), err)
		}
		if n == 0 {
			return offsets, nil
		}
	}
}
