package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cbeuw/mplex/internal/sizeprefix"
)

var ErrInvalidFlag = errors.New("invalid flag id")
var ErrMalformedFrame = errors.New("malformed frame")

// Flag tells what a message does to its stream and which side of the stream sent it
type Flag uint8

const (
	NewStream Flag = iota
	MessageReceiver
	MessageInitiator
	CloseReceiver
	CloseInitiator
	ResetReceiver
	ResetInitiator
)

const flagBits = 3
const flagMask = 1<<flagBits - 1

// a header and a payload length, both varints
const maxMessageOverhead = 2 * binary.MaxVarintLen64

func FlagByID(id uint64) (Flag, error) {
	if id > uint64(ResetInitiator) {
		return 0, fmt.Errorf("%v: %w", id, ErrInvalidFlag)
	}
	return Flag(id), nil
}

func (f Flag) String() string {
	switch f {
	case NewStream:
		return "NewStream"
	case MessageReceiver:
		return "MessageReceiver"
	case MessageInitiator:
		return "MessageInitiator"
	case CloseReceiver:
		return "CloseReceiver"
	case CloseInitiator:
		return "CloseInitiator"
	case ResetReceiver:
		return "ResetReceiver"
	case ResetInitiator:
		return "ResetInitiator"
	default:
		return fmt.Sprintf("Flag(%d)", uint8(f))
	}
}

var (
	headerPrefix = sizeprefix.New(sizeprefix.Varlong)
	lengthPrefix = sizeprefix.New(sizeprefix.Varint)
)

type Header struct {
	ID   uint64
	Flag Flag
}

func (h Header) AppendTo(dst []byte) ([]byte, error) {
	return headerPrefix.Append(dst, h.ID<<flagBits|uint64(h.Flag))
}

func (h Header) Encode() ([]byte, error) { return h.AppendTo(nil) }

func DecodeHeader(buf []byte) (Header, int, error) {
	v, n, err := headerPrefix.Read(buf)
	if err != nil {
		if errors.Is(err, sizeprefix.ErrIncompleteInput) {
			return Header{}, 0, err
		}
		return Header{}, 0, fmt.Errorf("header: %v: %w", err, ErrMalformedFrame)
	}
	flag, err := FlagByID(v & flagMask)
	if err != nil {
		return Header{}, 0, err
	}
	return Header{ID: v >> flagBits, Flag: flag}, n, nil
}

// Message is the unit of mplex. Its Payload is owned by the message and never aliases
// the buffer it was decoded from.
type Message struct {
	Header
	Payload []byte
}

func (m *Message) Encode() ([]byte, error) {
	buf, err := m.Header.AppendTo(make([]byte, 0, len(m.Payload)+maxMessageOverhead))
	if err != nil {
		return nil, err
	}
	buf, err = lengthPrefix.Append(buf, uint64(len(m.Payload)))
	if err != nil {
		return nil, err
	}
	return append(buf, m.Payload...), nil
}

// DecodeMessage decodes one message from the start of buf and returns how many bytes it
// spanned. sizeprefix.ErrIncompleteInput means buf ends before the message does.
func DecodeMessage(buf []byte) (*Message, int, error) {
	header, i, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	length, n, err := lengthPrefix.Read(buf[i:])
	if err != nil {
		if errors.Is(err, sizeprefix.ErrIncompleteInput) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("payload length: %v: %w", err, ErrMalformedFrame)
	}
	i += n
	if uint64(len(buf)-i) < length {
		return nil, 0, sizeprefix.ErrIncompleteInput
	}
	payload := make([]byte, length)
	copy(payload, buf[i:])
	return &Message{Header: header, Payload: payload}, i + int(length), nil
}

// DecodeMessages decodes every message in buf. A message cut short at the end of buf is
// not an error: its bytes are returned as rest.
func DecodeMessages(buf []byte) (msgs []*Message, rest []byte, err error) {
	for len(buf) > 0 {
		msg, n, err := DecodeMessage(buf)
		if err != nil {
			if errors.Is(err, sizeprefix.ErrIncompleteInput) {
				return msgs, buf, nil
			}
			return nil, nil, err
		}
		msgs = append(msgs, msg)
		buf = buf[n:]
	}
	return msgs, nil, nil
}
