// Package sizeprefix implements the length prefixes used to delimit frames on the wire and
// an engine that reassembles arbitrarily chunked input into whole frames.
package sizeprefix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrIncompleteInput = errors.New("not enough bytes to decode")
var ErrLengthOutOfRange = errors.New("length exceeds prefix capacity")
var ErrMalformedPrefix = errors.New("malformed length prefix")

type Kind int

const (
	SingleByte Kind = iota
	TwoBytes
	FourBytes
	Varint
	Varlong
)

func (k Kind) String() string {
	switch k {
	case SingleByte:
		return "single"
	case TwoBytes:
		return "two"
	case FourBytes:
		return "four"
	case Varint:
		return "varint"
	case Varlong:
		return "varlong"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{SingleByte, TwoBytes, FourBytes, Varint, Varlong} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown size prefix %q", s)
}

// Prefix reads and writes the length that precedes a frame.
type Prefix interface {
	// Read decodes a length from the beginning of buf and returns it with the number of bytes
	// it occupied. ErrIncompleteInput means buf ends before the prefix does.
	Read(buf []byte) (length uint64, consumed int, err error)
	// Append writes the encoding of length to the end of dst.
	Append(dst []byte, length uint64) ([]byte, error)
	// Width is the encoded size of fixed width prefixes, or 0 for variable width ones.
	Width() int
	// Max is the largest encodable length.
	Max() uint64
}

func New(kind Kind) Prefix {
	switch kind {
	case SingleByte:
		return singleByte{}
	case TwoBytes:
		return twoBytes{}
	case FourBytes:
		return fourBytes{}
	case Varint:
		return uvarint{}
	case Varlong:
		return uvarlong{}
	default:
		panic(fmt.Sprintf("sizeprefix: unsupported kind %v", kind))
	}
}

type singleByte struct{}

func (singleByte) Width() int  { return 1 }
func (singleByte) Max() uint64 { return math.MaxUint8 }

func (singleByte) Read(buf []byte) (uint64, int, error) {
	if len(buf) < 1 {
		return 0, 0, ErrIncompleteInput
	}
	return uint64(buf[0]), 1, nil
}

func (p singleByte) Append(dst []byte, length uint64) ([]byte, error) {
	if length > p.Max() {
		return dst, fmt.Errorf("%v bytes with a single byte prefix: %w", length, ErrLengthOutOfRange)
	}
	return append(dst, byte(length)), nil
}

type twoBytes struct{}

func (twoBytes) Width() int  { return 2 }
func (twoBytes) Max() uint64 { return math.MaxUint16 }

func (twoBytes) Read(buf []byte) (uint64, int, error) {
	if len(buf) < 2 {
		return 0, 0, ErrIncompleteInput
	}
	return uint64(binary.BigEndian.Uint16(buf)), 2, nil
}

func (p twoBytes) Append(dst []byte, length uint64) ([]byte, error) {
	if length > p.Max() {
		return dst, fmt.Errorf("%v bytes with a two byte prefix: %w", length, ErrLengthOutOfRange)
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(length))
	return append(dst, b[:]...), nil
}

type fourBytes struct{}

func (fourBytes) Width() int  { return 4 }
func (fourBytes) Max() uint64 { return math.MaxUint32 }

func (fourBytes) Read(buf []byte) (uint64, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrIncompleteInput
	}
	return uint64(binary.BigEndian.Uint32(buf)), 4, nil
}

func (p fourBytes) Append(dst []byte, length uint64) ([]byte, error) {
	if length > p.Max() {
		return dst, fmt.Errorf("%v bytes with a four byte prefix: %w", length, ErrLengthOutOfRange)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(length))
	return append(dst, b[:]...), nil
}

// uvarint is the protobuf base-128 encoding of a uint32
type uvarint struct{}

func (uvarint) Width() int  { return 0 }
func (uvarint) Max() uint64 { return math.MaxUint32 }

func (p uvarint) Read(buf []byte) (uint64, int, error) {
	v, n, err := varint.FromUvarint(buf)
	switch {
	case errors.Is(err, varint.ErrUnderflow):
		return 0, 0, ErrIncompleteInput
	case err != nil:
		return 0, 0, fmt.Errorf("%v: %w", err, ErrMalformedPrefix)
	case v > p.Max():
		return 0, 0, fmt.Errorf("value %v above %v: %w", v, p.Max(), ErrMalformedPrefix)
	}
	return v, n, nil
}

func (p uvarint) Append(dst []byte, length uint64) ([]byte, error) {
	if length > p.Max() {
		return dst, fmt.Errorf("%v bytes with a varint prefix: %w", length, ErrLengthOutOfRange)
	}
	return append(dst, varint.ToUvarint(length)...), nil
}

// uvarlong is the same encoding over the whole uint64 range, up to ten bytes
type uvarlong struct{}

func (uvarlong) Width() int  { return 0 }
func (uvarlong) Max() uint64 { return math.MaxUint64 }

func (uvarlong) Read(buf []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		err := protowire.ParseError(n)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, ErrIncompleteInput
		}
		return 0, 0, fmt.Errorf("%v: %w", err, ErrMalformedPrefix)
	}
	return v, n, nil
}

func (uvarlong) Append(dst []byte, length uint64) ([]byte, error) {
	return protowire.AppendVarint(dst, length), nil
}
