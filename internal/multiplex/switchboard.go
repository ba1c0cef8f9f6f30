package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/cbeuw/mplex/internal/sizeprefix"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// Serve runs the session over conn. It keeps receiving incoming data from conn and passes it
// to OnInboundChunk, and sends off whatever the streams write, counting and rate limiting
// both directions through the session's Valve. If Framing is set, incoming data is cut
// into frames before being decoded and outgoing data is framed the same way.
//
// Serve returns when conn fails, ctx is done or the session is closed. The session and conn
// are both closed by then. A connection closed by either side is not an error.
func (sesh *Session) Serve(ctx context.Context, conn net.Conn) error {
	var conv *sizeprefix.Converter
	if sesh.Framing != nil {
		conv = sizeprefix.NewConverter(*sesh.Framing)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sesh.deplex(conn, conv)
	})
	group.Go(func() error {
		return sesh.plex(conn, conv)
	})

	var closeErr error
	group.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			sesh.SetTerminalMsg("serving cancelled")
		}
		_ = sesh.Close()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErr = err
		}
		return nil
	})

	err := group.Wait()
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, ErrBrokenSession),
		errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		err = nil
	}
	log.Debugf("session %v stopped serving %v: %v", sesh.id, conn.RemoteAddr(), sesh.TerminalMsg())
	return multierr.Append(err, closeErr)
}

// deplex constantly reads from conn
func (sesh *Session) deplex(conn net.Conn, conv *sizeprefix.Converter) error {
	var ra *sizeprefix.Reassembler
	if conv != nil {
		ra = conv.NewReassembler()
	}
	buf := make([]byte, sesh.ReceiveBufferSize)
	for {
		n, err := conn.Read(buf)
		sesh.Valve.rxWait(n)
		sesh.Valve.AddRx(int64(n))
		if n > 0 {
			if ra == nil {
				// errors are logged and the chunk dropped, the session lives on
				_ = sesh.OnInboundChunk(buf[:n])
			} else {
				for _, frame := range ra.Push(buf[:n]) {
					_ = sesh.OnInboundChunk(frame)
				}
			}
		}
		if err != nil {
			log.Debugf("the connection of session %v has closed: %v", sesh.id, err)
			sesh.SetTerminalMsg("the connection has dropped")
			return fmt.Errorf("reading: %w", err)
		}
	}
}

// plex constantly writes the session's outbound sequence to conn
func (sesh *Session) plex(conn net.Conn, conv *sizeprefix.Converter) error {
	out := sesh.Start()
	buf := make([]byte, sesh.ReceiveBufferSize)
	for {
		n, err := out.Read(buf)
		if err != nil {
			return ErrBrokenSession
		}
		sesh.Valve.txWait(n)
		if conv == nil {
			_, err = conn.Write(buf[:n])
		} else {
			err = writeFramed(conn, conv, buf[:n])
		}
		if err != nil {
			sesh.SetTerminalMsg("failed to send to remote " + err.Error())
			return fmt.Errorf("writing: %w", err)
		}
		sesh.Valve.AddTx(int64(n))
	}
}

// writeFramed writes data as frames no larger than the prefix can describe
func writeFramed(w io.Writer, conv *sizeprefix.Converter, data []byte) error {
	fw := conv.NewWriter(w)
	for len(data) > 0 {
		unit := data
		if uint64(len(unit)) > conv.Max() {
			unit = unit[:conv.Max()]
		}
		if err := fw.WriteFrame(unit); err != nil {
			return err
		}
		data = data[len(unit):]
	}
	return nil
}
