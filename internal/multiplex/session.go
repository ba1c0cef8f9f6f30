package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/mplex/internal/sizeprefix"

	log "github.com/sirupsen/logrus"
)

const (
	acceptBacklog     = 1024
	DefaultProtocolID = "/mplex/6.7.0"
	// ids at or below the seed are left alone, the first stream opened gets seed+1
	DefaultStreamIDSeed      = 1000
	defaultMaxMessageSize    = 1 << 20
	defaultReceiveBufferSize = 20480
)

var ErrBrokenSession = errors.New("broken session")
var ErrStreamClosed = errors.New("stream closed")
var ErrStreamReset = errors.New("stream reset")
var errRepeatSessionClosing = errors.New("trying to close a closed session")

type SessionConfig struct {
	// Valve is used to limit transmission rates, and record usage
	Valve

	// ProtocolID is announced to the remote in the header that starts the connection
	ProtocolID string

	// AwaitHeader makes the session expect the remote's multistream header before the first
	// multiplexed message
	AwaitHeader bool

	StreamIDSeed uint64

	// Framing is the size prefix of the frames the connection is cut into by the layer
	// below, if any. Only used by Serve.
	Framing *sizeprefix.Kind

	// the max size passed to Write calls before it splits it into multiple messages
	MaxMessageSize int

	// ReceiveBufferSize sets the buffer size used to read from the connection in Serve
	ReceiveBufferSize int

	// InactivityTimeout sets the duration a Session waits while it has no active streams before
	// it closes itself. Zero or negative disables it, leaving the session open until it's
	// closed or its connection drops.
	InactivityTimeout time.Duration
}

// A Session multiplexes streams over a single connection to a remote peer. Inbound bytes are
// pushed in through OnInboundChunk, or read from a connection by Serve, and broadcast as
// messages to every live stream. Everything the streams write goes out through the reader
// returned by Start.
type Session struct {
	id uint32

	SessionConfig

	// atomic
	nextStreamID uint64

	// atomic
	activeStreamCount uint32

	bus bus

	outbound  *bufferedPipe
	startOnce sync.Once

	acceptM sync.Mutex
	// For accepting new streams
	acceptCh chan *Stream

	// recvM serialises inbound processing
	recvM          sync.Mutex
	pending        []byte
	awaitingHeader bool
	// ids of streams the remote has opened, live or not
	remoteIDs map[uint64]struct{}
	// streams to close once recvM is released
	cascades []*Stream

	closed uint32

	terminalMsgSetter sync.Once
	terminalMsg       string
}

func MakeSession(id uint32, config SessionConfig) *Session {
	sesh := &Session{
		id:            id,
		SessionConfig: config,
		outbound:      newBufferedPipe(),
		acceptCh:      make(chan *Stream, acceptBacklog),
		remoteIDs:     map[uint64]struct{}{},
	}

	if config.Valve == nil {
		sesh.Valve = UNLIMITED_VALVE
	}
	if config.ProtocolID == "" {
		sesh.ProtocolID = DefaultProtocolID
	}
	if config.StreamIDSeed == 0 {
		sesh.StreamIDSeed = DefaultStreamIDSeed
	}
	if config.MaxMessageSize <= 0 {
		sesh.MaxMessageSize = defaultMaxMessageSize
	}
	if config.ReceiveBufferSize <= 0 {
		sesh.ReceiveBufferSize = defaultReceiveBufferSize
	}
	sesh.nextStreamID = sesh.StreamIDSeed
	sesh.awaitingHeader = sesh.AwaitHeader

	if sesh.InactivityTimeout > 0 {
		time.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
	}
	return sesh
}

func (sesh *Session) streamCountIncr() uint32 {
	return atomic.AddUint32(&sesh.activeStreamCount, 1)
}
func (sesh *Session) streamCountDecr() uint32 {
	return atomic.AddUint32(&sesh.activeStreamCount, ^uint32(0))
}

// StreamCount is the number of streams that are neither fully closed nor reset
func (sesh *Session) StreamCount() uint32 {
	return atomic.LoadUint32(&sesh.activeStreamCount)
}

// Start returns the session's outbound byte sequence. It begins with the protocol header,
// which is only ever emitted once, followed by every message written by the streams.
// It must be drained: once too much is left unread, writes to streams block.
func (sesh *Session) Start() io.Reader {
	sesh.writeHeader()
	return sesh.outbound
}

func (sesh *Session) writeHeader() {
	sesh.startOnce.Do(func() {
		_, _ = sesh.outbound.Write(protocolHeader(sesh.ProtocolID))
	})
}

func (sesh *Session) sendMessage(msg *Message) error {
	if sesh.IsClosed() {
		return ErrBrokenSession
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	sesh.writeHeader()
	_, err = sesh.outbound.Write(data)
	if err != nil {
		return ErrBrokenSession
	}
	return nil
}

// OpenStream is similar to net.Dial. It opens up a new stream, announcing it to the remote
// straight away.
func (sesh *Session) OpenStream() (*Stream, error) {
	if sesh.IsClosed() {
		return nil, ErrBrokenSession
	}
	id := atomic.AddUint64(&sesh.nextStreamID, 1)
	label := fmt.Sprintf("stream %v", id)
	stream := makeStream(sesh, id, true, label)
	if !sesh.bus.subscribe(stream) {
		return nil, ErrBrokenSession
	}
	sesh.streamCountIncr()
	err := sesh.sendMessage(&Message{Header{id, NewStream}, []byte(label)})
	if err != nil {
		sesh.bus.unsubscribe(stream)
		sesh.streamCountDecr()
		return nil, err
	}
	log.Tracef("stream %v of session %v opened", id, sesh.id)
	return stream, nil
}

// Accept is similar to net.Listener's Accept(). It blocks and returns the next stream opened
// by the remote.
func (sesh *Session) Accept(ctx context.Context) (*Stream, error) {
	if sesh.IsClosed() {
		return nil, ErrBrokenSession
	}
	select {
	case stream := <-sesh.acceptCh:
		if stream == nil {
			return nil, ErrBrokenSession
		}
		log.Tracef("stream %v of session %v accepted", stream.id, sesh.id)
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnInboundChunk decodes the messages in chunk and hands them to the streams. A message cut
// short by the end of the chunk is completed by the next one. A chunk that fails to decode
// is dropped as a whole, without affecting the session. chunk is not retained.
//
// Streams closing in reply to the remote send their close once the chunk has been
// dispatched. Like any write, that needs the reader returned by Start to be drained.
func (sesh *Session) OnInboundChunk(chunk []byte) error {
	sesh.recvM.Lock()
	err := sesh.onInboundChunk(chunk)
	cascades := sesh.cascades
	sesh.cascades = nil
	sesh.recvM.Unlock()

	for _, stream := range cascades {
		if err := stream.Close(); err != nil {
			log.Debugf("failed to close stream %v after the remote did: %v", stream.id, err)
		}
	}
	return err
}

// onInboundChunk must be holding recvM
func (sesh *Session) onInboundChunk(chunk []byte) error {
	if sesh.IsClosed() {
		return ErrBrokenSession
	}

	data := chunk
	if len(sesh.pending) > 0 {
		data = append(sesh.pending, chunk...)
		sesh.pending = nil
	}

	if sesh.awaitingHeader {
		rest, done, err := acceptHeader(data, sesh.ProtocolID)
		if err != nil {
			log.Warnf("invalid protocol header in session %v, dropping %v bytes: %v", sesh.id, len(data), err)
			return err
		}
		if !done {
			sesh.pending = append([]byte(nil), data...)
			return nil
		}
		sesh.awaitingHeader = false
		data = rest
	}

	msgs, rest, err := DecodeMessages(data)
	if err != nil {
		log.Warnf("invalid mplex data in session %v, dropping %v bytes: %v", sesh.id, len(data), err)
		return err
	}
	if len(rest) > sesh.MaxMessageSize+maxMessageOverhead {
		log.Warnf("session %v has %v bytes of an unfinished message, more than a message may take; dropping them", sesh.id, len(rest))
		err = fmt.Errorf("%v bytes pending: %w", len(rest), ErrMalformedFrame)
		rest = nil
	}
	if len(rest) > 0 {
		sesh.pending = append([]byte(nil), rest...)
	}
	for _, msg := range msgs {
		sesh.dispatch(msg)
	}
	return err
}

// dispatch must be holding recvM
func (sesh *Session) dispatch(msg *Message) {
	log.Tracef("session %v received %v for stream %v, %v bytes", sesh.id, msg.Flag, msg.ID, len(msg.Payload))
	if msg.Flag == NewStream {
		sesh.newRemoteStream(msg)
	}
	sesh.bus.publish(msg)
}

// newRemoteStream subscribes a receiver stream before its NewStream message is published so
// it can't miss anything that follows
func (sesh *Session) newRemoteStream(msg *Message) {
	if _, seen := sesh.remoteIDs[msg.ID]; seen {
		log.Debugf("stream %v of session %v opened twice by remote", msg.ID, sesh.id)
		return
	}
	sesh.remoteIDs[msg.ID] = struct{}{}

	stream := makeStream(sesh, msg.ID, false, string(msg.Payload))
	if !sesh.bus.subscribe(stream) {
		return
	}
	sesh.streamCountIncr()

	sesh.acceptM.Lock()
	defer sesh.acceptM.Unlock()
	if sesh.IsClosed() {
		return
	}
	select {
	case sesh.acceptCh <- stream:
	default:
		log.Warnf("accept backlog of session %v is full, resetting stream %v", sesh.id, msg.ID)
		if err := stream.Reset(); err != nil {
			log.Debugf("failed to reset stream %v: %v", msg.ID, err)
		}
	}
}

// closeLater must be holding recvM
func (sesh *Session) closeLater(s *Stream) {
	sesh.cascades = append(sesh.cascades, s)
}

func (sesh *Session) streamFinished(s *Stream) {
	sesh.bus.unsubscribe(s)
	if sesh.streamCountDecr() == 0 && !sesh.IsClosed() {
		log.Debugf("session %v has no active stream left", sesh.id)
		if sesh.InactivityTimeout > 0 {
			time.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
		}
	}
}

func (sesh *Session) SetTerminalMsg(msg string) {
	log.Debug("terminal message set to " + msg)
	sesh.terminalMsgSetter.Do(func() {
		sesh.terminalMsg = msg
	})
}

func (sesh *Session) TerminalMsg() string {
	return sesh.terminalMsg
}

// Close tears the session down. Bytes not yet taken from the outbound sequence and messages
// not yet read by streams are discarded; streams see io.EOF.
func (sesh *Session) Close() error {
	if !atomic.CompareAndSwapUint32(&sesh.closed, 0, 1) {
		log.Debugf("session %v has already been closed", sesh.id)
		return errRepeatSessionClosing
	}
	log.Debugf("closing session %v", sesh.id)

	// outbound first, to wake up any stream blocked writing to it
	_ = sesh.outbound.Close()
	sesh.bus.close()

	sesh.acceptM.Lock()
	close(sesh.acceptCh)
	sesh.acceptM.Unlock()
	for range sesh.acceptCh {
	}

	sesh.recvM.Lock()
	sesh.pending = nil
	sesh.recvM.Unlock()

	log.Debugf("session %v closed", sesh.id)
	return nil
}

func (sesh *Session) IsClosed() bool {
	return atomic.LoadUint32(&sesh.closed) == 1
}

func (sesh *Session) checkTimeout() {
	if sesh.StreamCount() == 0 && !sesh.IsClosed() {
		sesh.SetTerminalMsg("timeout")
		sesh.Close()
	}
}
