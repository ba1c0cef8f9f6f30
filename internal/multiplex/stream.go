package multiplex

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

type StreamState int

const (
	StreamOpen StreamState = iota
	// one direction has been closed
	StreamClosing
	// both directions closed, or reset
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamClosing:
		return "closing"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// A Stream is one logical conversation multiplexed over a Session. The side that opened it is
// the initiator, the other side the receiver; the role decides which flags the stream writes
// and which ones it reads.
type Stream struct {
	id        uint64
	initiator bool
	label     string

	session *Session

	recvBuf *streamBuffer

	dataFlag, closeFlag, resetFlag             Flag
	peerDataFlag, peerCloseFlag, peerResetFlag Flag

	// held while sending so that a close frame never overtakes data written before it
	stateM       sync.Mutex
	localClosed  bool
	remoteClosed bool
	reset        bool
	// the session has gone away
	detached bool
	finished bool
}

func makeStream(sesh *Session, id uint64, initiator bool, label string) *Stream {
	s := &Stream{
		id:        id,
		initiator: initiator,
		label:     label,
		session:   sesh,
		recvBuf:   newStreamBuffer(),
	}
	if initiator {
		s.dataFlag, s.closeFlag, s.resetFlag = MessageInitiator, CloseInitiator, ResetInitiator
		s.peerDataFlag, s.peerCloseFlag, s.peerResetFlag = MessageReceiver, CloseReceiver, ResetReceiver
	} else {
		s.dataFlag, s.closeFlag, s.resetFlag = MessageReceiver, CloseReceiver, ResetReceiver
		s.peerDataFlag, s.peerCloseFlag, s.peerResetFlag = MessageInitiator, CloseInitiator, ResetInitiator
	}
	return s
}

func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) Initiator() bool { return s.initiator }

// Label is the name carried by the stream's NewStream message
func (s *Stream) Label() string { return s.label }

func (s *Stream) State() StreamState {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	switch {
	case s.reset || s.detached || (s.localClosed && s.remoteClosed):
		return StreamClosed
	case s.localClosed || s.remoteClosed:
		return StreamClosing
	default:
		return StreamOpen
	}
}

// Recv returns the payload of the next message the remote sent on this stream. It returns
// io.EOF once the remote has closed its side, or the session has gone away, and
// ErrStreamReset if the remote reset the stream.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	return s.recvBuf.next(ctx)
}

// Read gives the payloads received on this stream as one continuous byte stream
func (s *Stream) Read(buf []byte) (int, error) {
	return s.recvBuf.Read(buf)
}

// Write sends in to the remote. Data longer than the session's MaxMessageSize is split
// into several messages.
func (s *Stream) Write(in []byte) (n int, err error) {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	if s.detached {
		return 0, s.brokenErr("writing to")
	}
	if s.localClosed || s.reset {
		return 0, fmt.Errorf("writing to stream %v: %w", s.id, ErrStreamClosed)
	}
	for {
		unit := in[n:]
		if len(unit) > s.session.MaxMessageSize {
			unit = unit[:s.session.MaxMessageSize]
		}
		err = s.session.sendMessage(&Message{Header{s.id, s.dataFlag}, unit})
		if err != nil {
			return n, err
		}
		n += len(unit)
		if n == len(in) {
			return n, nil
		}
	}
}

// Close tells the remote that no more data will be written. The stream keeps receiving until
// the remote closes its side as well.
func (s *Stream) Close() error {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	if s.detached {
		return s.brokenErr("closing")
	}
	if s.localClosed || s.reset {
		return fmt.Errorf("closing stream %v: %w", s.id, ErrStreamClosed)
	}
	err := s.session.sendMessage(&Message{Header{s.id, s.closeFlag}, nil})
	if err != nil {
		return err
	}
	s.localClosed = true
	log.Tracef("stream %v of session %v actively closed", s.id, s.session.id)
	s.finishIfDone()
	return nil
}

// Reset aborts the stream in both directions. Anything not yet read is dropped.
func (s *Stream) Reset() error {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	if s.detached {
		return s.brokenErr("resetting")
	}
	if s.reset || (s.localClosed && s.remoteClosed) {
		return fmt.Errorf("resetting stream %v: %w", s.id, ErrStreamClosed)
	}
	err := s.session.sendMessage(&Message{Header{s.id, s.resetFlag}, nil})
	if err != nil {
		return err
	}
	s.reset = true
	s.recvBuf.closeWithError(ErrStreamReset, true)
	log.Tracef("stream %v of session %v reset", s.id, s.session.id)
	s.finishIfDone()
	return nil
}

func (s *Stream) deliver(msg *Message) {
	if msg.ID != s.id {
		return
	}
	switch msg.Flag {
	case s.peerDataFlag:
		s.recvBuf.push(msg.Payload)
	case s.peerCloseFlag:
		s.passiveClose()
	case s.peerResetFlag:
		s.passiveReset()
	}
}

// passiveClose handles the remote closing its side. A receiver closes its own side in turn,
// once the session is done dispatching; an initiator keeps its side open until told otherwise.
func (s *Stream) passiveClose() {
	s.stateM.Lock()
	if s.remoteClosed || s.reset || s.detached {
		s.stateM.Unlock()
		return
	}
	s.remoteClosed = true
	s.recvBuf.closeWithError(io.EOF, false)
	log.Tracef("stream %v of session %v passively closed", s.id, s.session.id)
	cascade := !s.initiator && !s.localClosed
	s.finishIfDone()
	s.stateM.Unlock()

	if cascade {
		s.session.closeLater(s)
	}
}

func (s *Stream) passiveReset() {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	if s.reset || s.detached {
		return
	}
	s.reset = true
	s.recvBuf.closeWithError(ErrStreamReset, true)
	log.Tracef("stream %v of session %v reset by remote", s.id, s.session.id)
	s.finishIfDone()
}

// detach is called when the session closes. Whatever hasn't been read is released.
func (s *Stream) detach() {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	s.detached = true
	s.finished = true
	s.recvBuf.closeWithError(io.EOF, true)
}

// brokenErr is both ErrStreamClosed and ErrBrokenSession: a detached stream is closed
func (s *Stream) brokenErr(op string) error {
	return fmt.Errorf("%v stream %v: %w: %w", op, s.id, ErrStreamClosed, ErrBrokenSession)
}

// must be holding s.stateM
func (s *Stream) finishIfDone() {
	if s.finished || !(s.reset || (s.localClosed && s.remoteClosed)) {
		return
	}
	s.finished = true
	s.session.streamFinished(s)
}
