package sdelta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/saworbit/instpack/pkg/stream"
)

// Listener is told about the diff once its header has been parsed. It returns
// the scratch buffer the decoder works in for the rest of the patch. The
// buffer stays owned by the listener; Patch only borrows it until it returns.
type Listener interface {
	OnDiffInfo(info DiffInfo) ([]byte, error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(info DiffInfo) ([]byte, error)

func (f ListenerFunc) OnDiffInfo(info DiffInfo) ([]byte, error) { return f(info) }

// Patch reconstructs the new file from old and diff and writes it to out.
// diff and out are consumed strictly in order; old is read at arbitrary
// positions. On failure out may hold a partial result.
func Patch(listener Listener, out *stream.Output, old, diff *stream.Input) error {
	if diff.Size < HeaderSize {
		return fmt.Errorf("%w: diff is %d bytes", ErrCorruptDiff, diff.Size)
	}
	var hb [HeaderSize]byte
	if diff.Read(0, hb[:]) != HeaderSize {
		return fmt.Errorf("%w: diff header", ErrRead)
	}
	h, err := parseHeader(hb[:])
	if err != nil {
		return err
	}
	if h.oldSize != old.Size {
		return fmt.Errorf("%w: diff expects %d bytes, have %d", ErrOldSize, h.oldSize, old.Size)
	}
	if out.Size != 0 && h.newSize > out.Size {
		return fmt.Errorf("%w: output accepts %d bytes, diff produces %d", ErrWrite, out.Size, h.newSize)
	}

	need, ok := h.info().ScratchSize()
	if !ok {
		return fmt.Errorf("%w: step memory %d", ErrCorruptDiff, h.stepMem)
	}
	cache, err := listener.OnDiffInfo(h.info())
	if err != nil {
		return err
	}
	if uint64(len(cache)) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrCacheTooSmall, len(cache), need)
	}

	stepLen := int(h.stepMem)
	p := &patcher{
		h:        h,
		old:      old,
		out:      out,
		step:     cache[:stepLen:stepLen],
		oldCache: cache[stepLen : stepLen+StreamCacheSize : stepLen+StreamCacheSize],
		outCache: cache[stepLen+StreamCacheSize : stepLen+StreamCacheSize : stepLen+2*StreamCacheSize],
		digest:   xxhash.New(),
	}
	dr := &diffReader{
		in:    diff,
		pos:   HeaderSize,
		cache: cache[stepLen+2*StreamCacheSize : stepLen+3*StreamCacheSize],
	}

	body, closeBody, err := newBodyReader(dr, h.compression)
	if err != nil {
		return err
	}
	defer closeBody()

	if err := p.run(body); err != nil {
		return err
	}
	return p.finish()
}

// diffReader reads the diff body sequentially through a fixed cache.
type diffReader struct {
	in    *stream.Input
	pos   uint64
	cache []byte
	buf   []byte
}

func (r *diffReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.pos >= r.in.Size {
			return 0, io.EOF
		}
		n := uint64(len(r.cache))
		if rem := r.in.Size - r.pos; rem < n {
			n = rem
		}
		if r.in.Read(r.pos, r.cache[:n]) != int(n) {
			return 0, fmt.Errorf("%w: diff at %d", ErrRead, r.pos)
		}
		r.pos += n
		r.buf = r.cache[:n]
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func newBodyReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressNone:
		return r, func() {}, nil
	case CompressZstd:
		zr, err := zstd.NewReader(r,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd reader: %v", ErrCorruptDiff, err)
		}
		return zr, zr.Close, nil
	case CompressXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: xz reader: %v", ErrCorruptDiff, err)
		}
		return xr, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}

type patcher struct {
	h      header
	old    *stream.Input
	out    *stream.Output
	outPos uint64

	step     []byte
	oldCache []byte
	outCache []byte
	digest   *xxhash.Digest
}

func (p *patcher) run(body io.Reader) error {
	br := byteReader{r: body}
	for {
		n, err := binary.ReadUvarint(&br)
		if err != nil {
			return bodyErr(err, "step length")
		}
		if n == 0 {
			return nil
		}
		if n > uint64(len(p.step)) {
			return fmt.Errorf("%w: step of %d bytes exceeds declared %d", ErrCorruptDiff, n, len(p.step))
		}
		step := p.step[:n]
		if _, err := io.ReadFull(body, step); err != nil {
			return bodyErr(err, "step")
		}
		if err := p.apply(step); err != nil {
			return err
		}
	}
}

func bodyErr(err error, what string) error {
	if errors.Is(err, ErrRead) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruptDiff, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrCorruptDiff, what, err)
}

func (p *patcher) apply(step []byte) error {
	for len(step) > 0 {
		op := step[0]
		step = step[1:]
		switch op {
		case opCopy:
			pos, n := binary.Uvarint(step)
			if n <= 0 {
				return fmt.Errorf("%w: copy position", ErrCorruptDiff)
			}
			step = step[n:]
			length, n := binary.Uvarint(step)
			if n <= 0 {
				return fmt.Errorf("%w: copy length", ErrCorruptDiff)
			}
			step = step[n:]
			if pos > p.h.oldSize || length > p.h.oldSize-pos {
				return fmt.Errorf("%w: copy [%d,+%d) outside old file of %d bytes", ErrCorruptDiff, pos, length, p.h.oldSize)
			}
			if err := p.copyOld(pos, length); err != nil {
				return err
			}
		case opInsert:
			length, n := binary.Uvarint(step)
			if n <= 0 {
				return fmt.Errorf("%w: insert length", ErrCorruptDiff)
			}
			step = step[n:]
			if length > uint64(len(step)) {
				return fmt.Errorf("%w: insert of %d bytes overruns step", ErrCorruptDiff, length)
			}
			if err := p.emit(step[:length]); err != nil {
				return err
			}
			step = step[length:]
		default:
			return fmt.Errorf("%w: opcode %#x", ErrCorruptDiff, op)
		}
	}
	return nil
}

func (p *patcher) copyOld(pos, length uint64) error {
	for length > 0 {
		n := min(length, uint64(len(p.oldCache)))
		buf := p.oldCache[:n]
		if p.old.Read(pos, buf) != int(n) {
			return fmt.Errorf("%w: old at %d", ErrRead, pos)
		}
		if err := p.emit(buf); err != nil {
			return err
		}
		pos += n
		length -= n
	}
	return nil
}

// emit appends data to the output cache, flushing it when full.
func (p *patcher) emit(data []byte) error {
	if uint64(len(data)) > p.h.newSize-p.outPos-uint64(len(p.outCache)) {
		return fmt.Errorf("%w: output exceeds declared %d bytes", ErrCorruptDiff, p.h.newSize)
	}
	for len(data) > 0 {
		if len(p.outCache) == cap(p.outCache) {
			if err := p.flush(); err != nil {
				return err
			}
		}
		n := copy(p.outCache[len(p.outCache):cap(p.outCache)], data)
		p.outCache = p.outCache[:len(p.outCache)+n]
		data = data[n:]
	}
	return nil
}

func (p *patcher) flush() error {
	if len(p.outCache) == 0 {
		return nil
	}
	if p.out.Write(p.outPos, p.outCache) != len(p.outCache) {
		return fmt.Errorf("%w: output at %d", ErrWrite, p.outPos)
	}
	p.digest.Write(p.outCache)
	p.outPos += uint64(len(p.outCache))
	p.outCache = p.outCache[:0]
	return nil
}

func (p *patcher) finish() error {
	if err := p.flush(); err != nil {
		return err
	}
	if p.outPos != p.h.newSize {
		return fmt.Errorf("%w: produced %d bytes, want %d", ErrCorruptDiff, p.outPos, p.h.newSize)
	}
	if p.digest.Sum64() != p.h.newHash {
		return ErrChecksum
	}
	return nil
}

type byteReader struct {
	r io.Reader
	b [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.b[:]); err != nil {
		return 0, err
	}
	return b.b[0], nil
}
