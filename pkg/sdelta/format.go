// Package sdelta implements a step-framed binary delta format. The encoder
// and decoder only reach the outside world through pkg/stream callbacks and,
// for patching, a Listener that hands back the working memory the decoder
// asked for.
package sdelta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of the diff header.
	HeaderSize = 40

	// StreamCacheSize is the size of each of the three stream caches the
	// decoder carves out of the scratch buffer.
	StreamCacheSize = 16 << 10

	// DefaultBlockSize is the matching-block granularity of the encoder.
	DefaultBlockSize = 32

	// DefaultStepMemSize bounds the decoded size of one step.
	DefaultStepMemSize = 256 << 10

	minStepMemSize = 64

	opCopy   byte = 0x00
	opInsert byte = 0x01

	// worst case encoding of a copy op: opcode plus two uvarints
	maxCopyOpLen = 1 + 2*binary.MaxVarintLen64
)

var magic = [4]byte{'S', 'D', 'L', '1'}

var (
	ErrBadMagic           = errors.New("sdelta: bad magic")
	ErrCorruptDiff        = errors.New("sdelta: corrupt diff")
	ErrOldSize            = errors.New("sdelta: old file size mismatch")
	ErrCacheTooSmall      = errors.New("sdelta: scratch buffer too small")
	ErrChecksum           = errors.New("sdelta: checksum mismatch")
	ErrRead               = errors.New("sdelta: read failed")
	ErrWrite              = errors.New("sdelta: write failed")
	ErrUnknownCompression = errors.New("sdelta: unknown compression")
)

// Compression selects the codec applied to the diff body.
type Compression byte

const (
	CompressNone Compression = 0
	CompressZstd Compression = 1
	CompressXZ   Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZstd:
		return "zstd"
	case CompressXZ:
		return "xz"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// ParseCompression maps a codec name to its Compression value.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressNone, nil
	case "zstd":
		return CompressZstd, nil
	case "xz":
		return CompressXZ, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// DiffInfo is what the decoder learns from the header before it needs memory.
type DiffInfo struct {
	NewSize     uint64
	OldSize     uint64
	StepMemSize uint64
	Compression Compression
}

// ScratchSize is the minimum scratch buffer length a patch needs.
// ok is false when the sum does not fit in a uint64.
func (d DiffInfo) ScratchSize() (size uint64, ok bool) {
	size = d.StepMemSize + 3*StreamCacheSize
	return size, size >= d.StepMemSize
}

type header struct {
	compression Compression
	newSize     uint64
	oldSize     uint64
	stepMem     uint64
	newHash     uint64
}

func (h header) marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], magic[:])
	b[4] = byte(h.compression)
	binary.BigEndian.PutUint64(b[8:16], h.newSize)
	binary.BigEndian.PutUint64(b[16:24], h.oldSize)
	binary.BigEndian.PutUint64(b[24:32], h.stepMem)
	binary.BigEndian.PutUint64(b[32:40], h.newHash)
	return b
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, fmt.Errorf("%w: header is %d bytes", ErrCorruptDiff, len(b))
	}
	if [4]byte(b[0:4]) != magic {
		return header{}, ErrBadMagic
	}
	h := header{
		compression: Compression(b[4]),
		newSize:     binary.BigEndian.Uint64(b[8:16]),
		oldSize:     binary.BigEndian.Uint64(b[16:24]),
		stepMem:     binary.BigEndian.Uint64(b[24:32]),
		newHash:     binary.BigEndian.Uint64(b[32:40]),
	}
	if h.compression > CompressXZ {
		return header{}, fmt.Errorf("%w: %d", ErrUnknownCompression, b[4])
	}
	if b[5] != 0 || b[6] != 0 || b[7] != 0 {
		return header{}, fmt.Errorf("%w: reserved header bytes set", ErrCorruptDiff)
	}
	return h, nil
}

func (h header) info() DiffInfo {
	return DiffInfo{
		NewSize:     h.newSize,
		OldSize:     h.oldSize,
		StepMemSize: h.stepMem,
		Compression: h.compression,
	}
}
