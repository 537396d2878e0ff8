package diff

import (
	"errors"
	"fmt"
	"math"

	"github.com/saworbit/instpack/pkg/sdelta"
)

var (
	// ErrScratchAlloc reports a scratch buffer request that cannot be honoured.
	ErrScratchAlloc = errors.New("scratch buffer allocation refused")

	errScratchTwice = errors.New("diff info reported twice in one patch")
)

// ScratchBuffer is the working memory of one patch application. It is
// created by the patch call, lent to the delta algorithm as a plain slice and
// released when the call returns.
type ScratchBuffer struct {
	buf      []byte
	released bool
}

func newScratchBuffer(size uint64, limit uint64) (*ScratchBuffer, error) {
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: %d bytes requested, limit %d", ErrScratchAlloc, size, limit)
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%w: %d bytes requested", ErrScratchAlloc, size)
	}
	return &ScratchBuffer{buf: make([]byte, int(size))}, nil
}

// Bytes returns the borrowed region, or nil after Release.
func (s *ScratchBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.buf
}

// Len returns the size of the buffer, or 0 after Release.
func (s *ScratchBuffer) Len() int {
	return len(s.Bytes())
}

// Released reports whether Release has run.
func (s *ScratchBuffer) Released() bool {
	return s == nil || s.released
}

// Release drops the buffer. Further calls are no-ops.
func (s *ScratchBuffer) Release() {
	if s == nil || s.released {
		return
	}
	clear(s.buf)
	s.buf = nil
	s.released = true
}

// scratchHolder answers the algorithm's diff-info callback. It owns at most
// one ScratchBuffer for the duration of a single patch call.
type scratchHolder struct {
	limit   uint64
	scratch *ScratchBuffer
	info    sdelta.DiffInfo
}

func (h *scratchHolder) OnDiffInfo(info sdelta.DiffInfo) ([]byte, error) {
	if h.scratch != nil {
		return nil, errScratchTwice
	}
	size, ok := info.ScratchSize()
	if !ok {
		return nil, fmt.Errorf("%w: step memory %d overflows", ErrScratchAlloc, info.StepMemSize)
	}
	s, err := newScratchBuffer(size, h.limit)
	if err != nil {
		return nil, err
	}
	h.scratch = s
	h.info = info
	return s.Bytes(), nil
}

func (h *scratchHolder) release() {
	h.scratch.Release()
}
