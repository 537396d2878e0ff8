package sdelta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/saworbit/instpack/pkg/stream"
)

// Options tunes Create.
type Options struct {
	// BlockSize is the matching-block granularity. Zero selects DefaultBlockSize.
	BlockSize int

	// StepMemSize bounds the decoded size of one step, and therefore the
	// scratch memory a patch needs. Zero selects DefaultStepMemSize.
	StepMemSize int

	Compression Compression

	// Level is the zstd level (1-22). Ignored by the other codecs.
	Level int
}

func (o Options) normalize() (Options, error) {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.StepMemSize <= 0 {
		o.StepMemSize = DefaultStepMemSize
	}
	if o.StepMemSize < minStepMemSize {
		return o, fmt.Errorf("sdelta: step memory %d below minimum %d", o.StepMemSize, minStepMemSize)
	}
	if o.Compression > CompressXZ {
		return o, fmt.Errorf("%w: %d", ErrUnknownCompression, o.Compression)
	}
	if o.Level <= 0 {
		o.Level = 3
	}
	return o, nil
}

// Create writes a diff that turns oldData into newData. The body is written
// first, starting at HeaderSize; the header is written last at position 0,
// so out must accept positioned writes.
func Create(newData, oldData []byte, out *stream.Output, opts Options) error {
	opts, err := opts.normalize()
	if err != nil {
		return err
	}

	pw := &positionWriter{out: out, pos: HeaderSize}
	body, err := newBodyWriter(pw, opts)
	if err != nil {
		return err
	}

	enc := &encoder{
		newData: newData,
		oldData: oldData,
		opts:    opts,
		body:    body,
		step:    make([]byte, 0, opts.StepMemSize),
	}
	if err := enc.run(); err != nil {
		return err
	}
	if err := enc.finish(); err != nil {
		return err
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("%w: close body: %v", ErrWrite, err)
	}

	h := header{
		compression: opts.Compression,
		newSize:     uint64(len(newData)),
		oldSize:     uint64(len(oldData)),
		stepMem:     uint64(enc.maxStep),
		newHash:     xxhash.Sum64(newData),
	}
	if out.Write(0, h.marshal()) != HeaderSize {
		return fmt.Errorf("%w: header", ErrWrite)
	}
	return nil
}

// positionWriter turns the positioned output callback into an io.Writer.
type positionWriter struct {
	out *stream.Output
	pos uint64
}

func (w *positionWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.out.Write(w.pos, p) != len(p) {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrWrite, len(p), w.pos)
	}
	w.pos += uint64(len(p))
	return len(p), nil
}

// bodyWriter flushes a buffered writer and then closes the codec under it.
type bodyWriter struct {
	*bufio.Writer
	codec io.Closer
}

func (b *bodyWriter) Close() error {
	if err := b.Flush(); err != nil {
		return err
	}
	if b.codec != nil {
		return b.codec.Close()
	}
	return nil
}

func newBodyWriter(w io.Writer, opts Options) (*bodyWriter, error) {
	switch opts.Compression {
	case CompressNone:
		return &bodyWriter{Writer: bufio.NewWriterSize(w, StreamCacheSize)}, nil
	case CompressZstd:
		zw, err := zstd.NewWriter(w,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		)
		if err != nil {
			return nil, fmt.Errorf("sdelta: zstd writer: %w", err)
		}
		return &bodyWriter{Writer: bufio.NewWriterSize(zw, StreamCacheSize), codec: zw}, nil
	case CompressXZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("sdelta: xz writer: %w", err)
		}
		return &bodyWriter{Writer: bufio.NewWriterSize(xw, StreamCacheSize), codec: xw}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, opts.Compression)
	}
}

type encoder struct {
	newData []byte
	oldData []byte
	opts    Options
	body    *bodyWriter

	step    []byte
	maxStep int
	varint  [binary.MaxVarintLen64]byte
}

// run emits copy and insert ops for newData. Old is indexed at non-overlapping
// block positions; new is probed at every byte with a rolling hash.
func (e *encoder) run() error {
	bs := e.opts.BlockSize
	if len(e.oldData) < bs || len(e.newData) < bs {
		return e.insert(e.newData)
	}

	index := make(map[uint64]int, len(e.oldData)/bs)
	for p := 0; p+bs <= len(e.oldData); p += bs {
		h := hashBlock(e.oldData[p : p+bs])
		if _, ok := index[h]; !ok {
			index[h] = p
		}
	}

	rh := newRollingHash(bs)
	litStart := 0
	fresh := true
	var sum uint64
	for i := 0; i+bs <= len(e.newData); {
		if fresh {
			sum = rh.reset(e.newData[i : i+bs])
			fresh = false
		}
		if p, ok := index[sum]; ok && bytes.Equal(e.oldData[p:p+bs], e.newData[i:i+bs]) {
			start, oldStart := i, p
			for start > litStart && oldStart > 0 && e.newData[start-1] == e.oldData[oldStart-1] {
				start--
				oldStart--
			}
			end, oldEnd := i+bs, p+bs
			for end < len(e.newData) && oldEnd < len(e.oldData) && e.newData[end] == e.oldData[oldEnd] {
				end++
				oldEnd++
			}
			if err := e.insert(e.newData[litStart:start]); err != nil {
				return err
			}
			if err := e.copyOp(uint64(oldStart), uint64(end-start)); err != nil {
				return err
			}
			i, litStart, fresh = end, end, true
			continue
		}
		if i+bs < len(e.newData) {
			sum = rh.roll(e.newData[i], e.newData[i+bs])
		}
		i++
	}
	return e.insert(e.newData[litStart:])
}

func (e *encoder) room() int {
	return e.opts.StepMemSize - len(e.step)
}

func (e *encoder) copyOp(pos, length uint64) error {
	if e.room() < maxCopyOpLen {
		if err := e.flushStep(); err != nil {
			return err
		}
	}
	e.step = append(e.step, opCopy)
	e.step = binary.AppendUvarint(e.step, pos)
	e.step = binary.AppendUvarint(e.step, length)
	return nil
}

// insert splits literal across steps as needed.
func (e *encoder) insert(lit []byte) error {
	for len(lit) > 0 {
		if e.room() < maxCopyOpLen {
			if err := e.flushStep(); err != nil {
				return err
			}
		}
		n := min(len(lit), e.room()-1-binary.MaxVarintLen64)
		e.step = append(e.step, opInsert)
		e.step = binary.AppendUvarint(e.step, uint64(n))
		e.step = append(e.step, lit[:n]...)
		lit = lit[n:]
	}
	return nil
}

func (e *encoder) flushStep() error {
	if len(e.step) == 0 {
		return nil
	}
	n := binary.PutUvarint(e.varint[:], uint64(len(e.step)))
	if _, err := e.body.Write(e.varint[:n]); err != nil {
		return err
	}
	if _, err := e.body.Write(e.step); err != nil {
		return err
	}
	e.maxStep = max(e.maxStep, len(e.step))
	e.step = e.step[:0]
	return nil
}

func (e *encoder) finish() error {
	if err := e.flushStep(); err != nil {
		return err
	}
	_, err := e.body.Write([]byte{0})
	return err
}
