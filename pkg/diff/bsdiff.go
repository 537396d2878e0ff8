package diff

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"

	"github.com/saworbit/instpack/internal/metrics"
)

const (
	bsdiffSnapshot byte = 0
	bsdiffPatch    byte = 1
)

var (
	errBadBsdiffMode = errors.New("invalid bsdiff patch mode")
	errShortSnapshot = errors.New("truncated bsdiff snapshot")
)

// BsdiffEngine implements the DiffEngine interface using bsdiff
type BsdiffEngine struct{}

// NewBsdiffEngine creates a new bsdiff-based diff engine
func NewBsdiffEngine() *BsdiffEngine {
	return &BsdiffEngine{}
}

// Name returns the name of the engine
func (e *BsdiffEngine) Name() string {
	return "bsdiff"
}

// GenerateDiff computes a binary diff using bsdiff. The first byte of the
// output selects the mode: a full snapshot when there is nothing to diff
// against or the patch would not be smaller, a bsdiff patch otherwise. The
// level is ignored; bsdiff compresses its own sections.
func (e *BsdiffEngine) GenerateDiff(newData, oldData []byte, out io.WriteSeeker, level int) (err error) {
	defer func(start time.Time) { metrics.ObserveDiff(start, e.Name(), err) }(time.Now())

	mode, body := bsdiffSnapshot, newData
	if len(oldData) > 0 && len(newData) > 0 {
		patch, err := bsdiff.Bytes(oldData, newData)
		if err != nil {
			return fmt.Errorf("bsdiff computation failed: %w", err)
		}
		if len(patch) < len(newData) {
			mode, body = bsdiffPatch, patch
		}
	}

	if _, err := out.Write([]byte{mode}); err != nil {
		return fmt.Errorf("write bsdiff mode: %w", err)
	}
	if _, err := out.Write(body); err != nil {
		return fmt.Errorf("write bsdiff body: %w", err)
	}
	return nil
}

// ApplyPatch applies a bsdiff patch to old
func (e *BsdiffEngine) ApplyPatch(out io.Writer, diff io.Reader, diffSize int64, old io.ReadSeeker, oldSize int64) (err error) {
	defer func(start time.Time) { metrics.ObservePatch(start, e.Name(), err) }(time.Now())

	if diffSize < 1 {
		return fmt.Errorf("%w: empty patch", errBadBsdiffMode)
	}

	var mode [1]byte
	if _, err := io.ReadFull(diff, mode[:]); err != nil {
		return fmt.Errorf("read bsdiff mode: %w", err)
	}
	body := io.LimitReader(diff, diffSize-1)

	switch mode[0] {
	case bsdiffSnapshot:
		n, err := io.Copy(out, body)
		if err != nil {
			return fmt.Errorf("copy snapshot: %w", err)
		}
		if n != diffSize-1 {
			return fmt.Errorf("%w: %d of %d bytes", errShortSnapshot, n, diffSize-1)
		}
		return nil
	case bsdiffPatch:
		if _, err := old.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind old file: %w", err)
		}
		if err := bspatch.Reader(io.LimitReader(old, oldSize), out, body); err != nil {
			return fmt.Errorf("bspatch application failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", errBadBsdiffMode, mode[0])
	}
}
