package multiplex

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// blackhole is a connection that swallows everything written to it and never has anything
// to read until it's closed
type blackhole struct {
	hole      *bufio.Writer
	written   int64
	closer    chan struct{}
	closeOnce sync.Once
}

func newBlackHole() *blackhole {
	return &blackhole{
		hole:   bufio.NewWriter(io.Discard),
		closer: make(chan struct{}),
	}
}
func (b *blackhole) Read([]byte) (int, error) {
	<-b.closer
	return 0, io.EOF
}
func (b *blackhole) Write(in []byte) (int, error) {
	atomic.AddInt64(&b.written, int64(len(in)))
	return b.hole.Write(in)
}
func (b *blackhole) Written() int64 { return atomic.LoadInt64(&b.written) }
func (b *blackhole) Close() error {
	b.closeOnce.Do(func() { close(b.closer) })
	return nil
}
func (b *blackhole) LocalAddr() net.Addr {
	ret, _ := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	return ret
}
func (b *blackhole) RemoteAddr() net.Addr {
	ret, _ := net.ResolveTCPAddr("tcp", "127.0.0.1:4001")
	return ret
}
func (b *blackhole) SetDeadline(t time.Time) error      { return nil }
func (b *blackhole) SetReadDeadline(t time.Time) error  { return nil }
func (b *blackhole) SetWriteDeadline(t time.Time) error { return nil }
