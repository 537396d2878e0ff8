package diff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/saworbit/instpack/internal/metrics"
	"github.com/saworbit/instpack/pkg/sdelta"
	"github.com/saworbit/instpack/pkg/stream"
)

type patchFunc func(l sdelta.Listener, out *stream.Output, old, diff *stream.Input) error

// StreamEngine drives the sdelta algorithm through stream callbacks.
type StreamEngine struct {
	Compression sdelta.Compression
	BlockSize   int
	StepMemSize int

	// MaxScratchBytes caps the scratch buffer a diff may ask for. Zero
	// means no cap.
	MaxScratchBytes uint64

	patch patchFunc
}

// NewStreamEngine returns an engine with sdelta defaults and zstd bodies.
func NewStreamEngine() *StreamEngine {
	return &StreamEngine{Compression: sdelta.CompressZstd}
}

// Name returns the name of the engine
func (e *StreamEngine) Name() string {
	return "sdelta"
}

// Format is the engine name and the body codec used at level.
func (e *StreamEngine) Format(level int) string {
	codec := e.Compression
	if level <= 0 {
		codec = sdelta.CompressNone
	}
	return e.Name() + "/" + codec.String()
}

// GenerateDiff writes a diff into out. A level of zero or below stores the
// body uncompressed.
func (e *StreamEngine) GenerateDiff(newData, oldData []byte, out io.WriteSeeker, level int) (err error) {
	defer func(start time.Time) { metrics.ObserveDiff(start, e.Name(), err) }(time.Now())

	opts := sdelta.Options{
		BlockSize:   e.BlockSize,
		StepMemSize: e.StepMemSize,
		Compression: e.Compression,
		Level:       level,
	}
	if level <= 0 {
		opts.Compression = sdelta.CompressNone
	}

	sink := stream.NewSeekOutput(out)
	if err := sdelta.Create(newData, oldData, sink, opts); err != nil {
		return fmt.Errorf("sdelta diff failed: %w", errors.Join(err, sink.Err()))
	}
	return nil
}

// ApplyPatch applies a diff. See ApplyPatchContext.
func (e *StreamEngine) ApplyPatch(out io.Writer, diff io.Reader, diffSize int64, old io.ReadSeeker, oldSize int64) error {
	return e.ApplyPatchContext(context.Background(), out, diff, diffSize, old, oldSize)
}

// ApplyPatchContext applies a diff. Cancelling ctx makes the next stream
// callback fail, which aborts the patch.
func (e *StreamEngine) ApplyPatchContext(ctx context.Context, out io.Writer, diff io.Reader, diffSize int64, old io.ReadSeeker, oldSize int64) (err error) {
	defer func(start time.Time) { metrics.ObservePatch(start, e.Name(), err) }(time.Now())

	holder := &scratchHolder{limit: e.MaxScratchBytes}
	return e.applyPatch(ctx, holder, out, diff, diffSize, old, oldSize)
}

func (e *StreamEngine) applyPatch(ctx context.Context, holder *scratchHolder, out io.Writer, diff io.Reader, diffSize int64, old io.ReadSeeker, oldSize int64) error {
	if diffSize < 0 || oldSize < 0 {
		return fmt.Errorf("negative stream size (diff %d, old %d)", diffSize, oldSize)
	}
	defer holder.release()

	sink := stream.NewSeqOutput(out).WithContext(ctx)
	oldIn := stream.NewSeekInput(old, oldSize).WithContext(ctx)
	diffIn := stream.NewSeqInput(diff, diffSize).WithContext(ctx)

	patch := e.patch
	if patch == nil {
		patch = sdelta.Patch
	}
	if err := patch(holder, sink, oldIn, diffIn); err != nil {
		return fmt.Errorf("sdelta patch failed: %w", errors.Join(err, oldIn.Err(), diffIn.Err(), sink.Err()))
	}
	metrics.ObserveScratch(holder.scratch.Len())
	return nil
}
