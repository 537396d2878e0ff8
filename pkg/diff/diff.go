package diff

import (
	"bytes"
	"fmt"
	"io"

	"github.com/saworbit/instpack/pkg/config"
	"github.com/saworbit/instpack/pkg/sdelta"
	"github.com/saworbit/instpack/pkg/stream"
)

// DiffEngine defines the interface for binary diff operations
type DiffEngine interface {
	// GenerateDiff writes a delta from oldData to newData into out. out is
	// neither opened nor closed by the engine.
	GenerateDiff(newData, oldData []byte, out io.WriteSeeker, level int) error

	// ApplyPatch reconstructs the new file from old and diff into out. diff
	// is read strictly in order; old may be revisited at any position. On
	// failure out may hold partial data and must be discarded by the caller.
	ApplyPatch(out io.Writer, diff io.Reader, diffSize int64, old io.ReadSeeker, oldSize int64) error

	// Name returns the name of the diff engine
	Name() string
}

// formatter is implemented by engines whose output encoding depends on their
// settings.
type formatter interface {
	Format(level int) string
}

// Format names the encoding engine produces at level. Diffs of equal format
// are interchangeable for the patching side.
func Format(engine DiffEngine, level int) string {
	if f, ok := engine.(formatter); ok {
		return f.Format(level)
	}
	return engine.Name()
}

// NewDiffEngine creates a new diff engine based on the configured library
func NewDiffEngine(cfg *config.Config) (DiffEngine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	switch cfg.DiffLibrary {
	case "sdelta":
		compression, err := sdelta.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return &StreamEngine{
			Compression:     compression,
			BlockSize:       cfg.BlockSize,
			StepMemSize:     cfg.StepMemSize(),
			MaxScratchBytes: cfg.MaxScratchBytes(),
		}, nil
	case "bsdiff":
		return NewBsdiffEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported diff library: %s (must be 'sdelta' or 'bsdiff')", cfg.DiffLibrary)
	}
}

// ComputeDiff runs GenerateDiff into memory and returns the delta.
func ComputeDiff(engine DiffEngine, oldData, newData []byte, level int) ([]byte, error) {
	var buf stream.Buffer
	if err := engine.GenerateDiff(newData, oldData, &buf, level); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PatchBytes applies an in-memory delta to baseData.
func PatchBytes(engine DiffEngine, baseData, patchData []byte) ([]byte, error) {
	var out bytes.Buffer
	err := engine.ApplyPatch(&out,
		bytes.NewReader(patchData), int64(len(patchData)),
		bytes.NewReader(baseData), int64(len(baseData)))
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Stats holds statistics about a diff operation
type Stats struct {
	OldSize         int     // Size of old data
	NewSize         int     // Size of new data
	PatchSize       int     // Size of patch data
	CompressionRate float64 // Patch size / new size (lower is better)
}

// ComputeStats calculates statistics for a diff operation
func ComputeStats(oldData, newData, patchData []byte) Stats {
	stats := Stats{
		OldSize:   len(oldData),
		NewSize:   len(newData),
		PatchSize: len(patchData),
	}

	if len(newData) > 0 {
		stats.CompressionRate = float64(len(patchData)) / float64(len(newData))
	}

	return stats
}
