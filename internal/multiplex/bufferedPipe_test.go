package multiplex

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeRW(t *testing.T) {
	pipe := newBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	n, err := pipe.Write(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, len(b), pipe.Len())

	b2 := make([]byte, len(b))
	n, err = pipe.Read(b2)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, b, b2)
	assert.Equal(t, 0, pipe.Len())
}

func TestReadBlock(t *testing.T) {
	pipe := newBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = pipe.Write(b)
	}()
	b2 := make([]byte, len(b))
	n, err := pipe.Read(b2)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, b, b2)
}

func TestPartialRead(t *testing.T) {
	pipe := newBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	_, _ = pipe.Write(b)
	b1 := make([]byte, 1)
	n, err := pipe.Read(b1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, b[0], b1[0])

	b2 := make([]byte, 2)
	n, err = pipe.Read(b2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, b[1:], b2)
}

func TestReadAfterClose(t *testing.T) {
	pipe := newBufferedPipe()
	_, _ = pipe.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, pipe.Close())

	// unread bytes are discarded
	_, err := pipe.Read(make([]byte, 3))
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, pipe.Len())

	_, err = pipe.Write([]byte{0x04})
	assert.Equal(t, io.ErrClosedPipe, err)
}

func TestCloseWakesReader(t *testing.T) {
	pipe := newBufferedPipe()
	errCh := make(chan error)
	go func() {
		_, err := pipe.Read(make([]byte, 1))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = pipe.Close()
	select {
	case err := <-errCh:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("Read didn't return after Close")
	}
}

func BenchmarkBufferedPipe_RW(b *testing.B) {
	const PAYLOAD_LEN = 1000
	testData := make([]byte, PAYLOAD_LEN)
	rand.Read(testData)

	pipe := newBufferedPipe()

	smallBuf := make([]byte, PAYLOAD_LEN-10)
	go func() {
		for {
			_, err := pipe.Read(smallBuf)
			if err != nil {
				return
			}
		}
	}()
	b.SetBytes(int64(len(testData)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pipe.Write(testData)
	}
	_ = pipe.Close()
}

func TestPipeWritesStayWhole(t *testing.T) {
	pipe := newBufferedPipe()
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(i int) {
			_, _ = pipe.Write(bytes.Repeat([]byte{byte(i)}, 64))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	buf := make([]byte, 256)
	_, err := io.ReadFull(pipe, buf)
	require.NoError(t, err)
	for i := 0; i < 256; i += 64 {
		assert.Equal(t, bytes.Repeat([]byte{buf[i]}, 64), buf[i:i+64])
	}
}
