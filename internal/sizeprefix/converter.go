package sizeprefix

import (
	"encoding/hex"
	"errors"
	"io"
	"math"

	log "github.com/sirupsen/logrus"
)

// same as the receive buffer of a multiplex session's connection
const defaultChunkSize = 20480

// Converter splits byte sequences into frames delimited by Prefix and joins payloads back
// into such sequences.
type Converter struct {
	Prefix
}

func NewConverter(kind Kind) *Converter { return &Converter{New(kind)} }

// Standard frames are prefixed with a four byte big-endian length
func Standard() *Converter         { return NewConverter(FourBytes) }
func VarintPrefixed() *Converter   { return NewConverter(Varint) }
func TwoBytesPrefixed() *Converter { return NewConverter(TwoBytes) }
func SingleBytePrefixed() *Converter {
	return NewConverter(SingleByte)
}

// prefixDeficit is the number of bytes still needed to decode a prefix of which only available
// bytes are present. A variable width prefix needs at least one more byte before its
// size is known.
func (c *Converter) prefixDeficit(available int) int {
	if w := c.Width(); w > 0 {
		return w - available
	}
	return available + 1
}

// Deficit walks the frames at the start of buf. complete is the number of leading bytes that
// make up whole frames and need is how many more bytes the following frame requires, which
// is 0 when buf ends exactly on a frame boundary.
//
// A prefix that cannot be decoded at all is counted as complete so that Split gets to see
// and report it.
func (c *Converter) Deficit(buf []byte) (complete int, need int) {
	for complete < len(buf) {
		rest := buf[complete:]
		length, n, err := c.Read(rest)
		if err != nil {
			if errors.Is(err, ErrIncompleteInput) {
				return complete, c.prefixDeficit(len(rest))
			}
			return len(buf), 0
		}
		body := uint64(len(rest) - n)
		if body < length {
			missing := length - body
			if missing > math.MaxInt32 {
				missing = math.MaxInt32
			}
			return complete, int(missing)
		}
		complete += n + int(length)
	}
	return complete, 0
}

// EstimateDeficit returns 0 if buf is empty or holds at least one whole frame, otherwise the
// number of bytes missing for the first frame to be complete.
func (c *Converter) EstimateDeficit(buf []byte) int {
	complete, need := c.Deficit(buf)
	if complete > 0 {
		return 0
	}
	return need
}

// Split cuts buf, which must consist of whole frames, into their payloads. Payloads are
// copied out so buf can be reused. Zero-length frames are kept.
func (c *Converter) Split(buf []byte) [][]byte {
	var frames [][]byte
	for len(buf) > 0 {
		length, n, err := c.Read(buf)
		if err != nil {
			log.Warnf("dropping %v trailing bytes with an undecodable %v prefix: %v", len(buf), c.kindName(), err)
			break
		}
		buf = buf[n:]
		if uint64(len(buf)) < length {
			encoded, _ := c.Append(nil, length)
			log.Warnf("have less than expected: %v < %v requested (as %v)", len(buf), length, hex.EncodeToString(encoded))
			length = uint64(len(buf))
		}
		frame := make([]byte, length)
		copy(frame, buf[:length])
		frames = append(frames, frame)
		buf = buf[length:]
	}
	return frames
}

func (c *Converter) kindName() string {
	switch c.Prefix.(type) {
	case singleByte:
		return SingleByte.String()
	case twoBytes:
		return TwoBytes.String()
	case fourBytes:
		return FourBytes.String()
	case uvarint:
		return Varint.String()
	case uvarlong:
		return Varlong.String()
	default:
		return "custom"
	}
}

// Encode returns payload preceded by its length
func (c *Converter) Encode(payload []byte) ([]byte, error) {
	out, err := c.Append(make([]byte, 0, len(payload)+binaryMaxPrefix), uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

const binaryMaxPrefix = 10

// Reassembler accumulates chunks of a byte stream until they contain whole frames. It
// remembers how far it has already scanned and how many bytes the pending frame lacks, so a
// long stream of small chunks is never rescanned from the start.
type Reassembler struct {
	conv *Converter

	acc []byte
	// acc[:scanned] consists of whole frames
	scanned int
	// bytes acc must still grow by before scanning past scanned is worthwhile
	need int
}

func (c *Converter) NewReassembler() *Reassembler {
	return &Reassembler{conv: c}
}

// Write appends chunk and reports whether at least one whole frame is buffered
func (r *Reassembler) Write(chunk []byte) bool {
	r.acc = append(r.acc, chunk...)
	if r.need > len(chunk) {
		r.need -= len(chunk)
		return r.scanned > 0
	}
	complete, need := r.conv.Deficit(r.acc[r.scanned:])
	r.scanned += complete
	r.need = need
	return r.scanned > 0
}

// Frames removes all whole frames from the accumulation and returns their non-empty payloads.
// Zero-length frames are keepalives and are dropped.
func (r *Reassembler) Frames() [][]byte {
	if r.scanned == 0 {
		return nil
	}
	all := r.conv.Split(r.acc[:r.scanned])
	n := copy(r.acc, r.acc[r.scanned:])
	r.acc = r.acc[:n]
	r.scanned = 0

	frames := all[:0]
	for _, f := range all {
		if len(f) > 0 {
			frames = append(frames, f)
		}
	}
	return frames
}

// Push is Write followed by Frames
func (r *Reassembler) Push(chunk []byte) [][]byte {
	if !r.Write(chunk) {
		return nil
	}
	return r.Frames()
}

// Buffered is the number of bytes held that have not been returned as frames yet
func (r *Reassembler) Buffered() int { return len(r.acc) }

func (r *Reassembler) Reset() {
	r.acc = r.acc[:0]
	r.scanned = 0
	r.need = 0
}

// Reader reads non-empty frames from an underlying byte stream that may deliver them in
// arbitrary chunks.
type Reader struct {
	r      io.Reader
	ra     *Reassembler
	buf    []byte
	frames [][]byte
	err    error
}

func (c *Converter) NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		ra:  c.NewReassembler(),
		buf: make([]byte, defaultChunkSize),
	}
}

// ReadFrame returns the next frame. Once the underlying reader fails, buffered frames are
// returned first and the error after them. A stream ending inside a frame yields
// io.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for len(fr.frames) == 0 {
		if fr.err != nil {
			return nil, fr.err
		}
		n, err := fr.r.Read(fr.buf)
		if n > 0 {
			fr.frames = fr.ra.Push(fr.buf[:n])
		}
		if err != nil {
			if err == io.EOF && fr.ra.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			fr.err = err
		}
	}
	f := fr.frames[0]
	fr.frames[0] = nil
	fr.frames = fr.frames[1:]
	return f, nil
}

// Writer writes every payload as one frame, without batching
type Writer struct {
	w    io.Writer
	conv *Converter
}

func (c *Converter) NewWriter(w io.Writer) *Writer { return &Writer{w: w, conv: c} }

func (fw *Writer) WriteFrame(payload []byte) error {
	b, err := fw.conv.Encode(payload)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(b)
	return err
}
