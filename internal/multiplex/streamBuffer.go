package multiplex

import (
	"context"
	"sync"
)

// streamBuffer queues the payloads addressed to one stream, in the order they were decoded
// from the wire. Pushing never blocks. Once closed with a terminal error, the remaining
// payloads are still handed out (unless discarded) and the error is returned after them.
type streamBuffer struct {
	cond *sync.Cond

	queue [][]byte
	// the unread part of a payload partially consumed by Read
	leftover []byte
	err      error
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{cond: sync.NewCond(&sync.Mutex{})}
}

func (sb *streamBuffer) push(payload []byte) {
	sb.cond.L.Lock()
	defer sb.cond.L.Unlock()
	if sb.err != nil {
		return
	}
	sb.queue = append(sb.queue, payload)
	sb.cond.Broadcast()
}

// closeWithError ends the buffer. With discard the queued payloads are released and the
// error is returned straight away.
func (sb *streamBuffer) closeWithError(err error, discard bool) {
	sb.cond.L.Lock()
	defer sb.cond.L.Unlock()
	if sb.err != nil {
		return
	}
	sb.err = err
	if discard {
		sb.queue = nil
		sb.leftover = nil
	}
	sb.cond.Broadcast()
}

// wait must be called with cond.L held
func (sb *streamBuffer) wait(ctx context.Context) error {
	for len(sb.leftover) == 0 && len(sb.queue) == 0 {
		if sb.err != nil {
			return sb.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sb.cond.Wait()
	}
	return nil
}

// next returns a whole payload
func (sb *streamBuffer) next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		sb.cond.L.Lock()
		sb.cond.Broadcast()
		sb.cond.L.Unlock()
	})
	defer stop()

	sb.cond.L.Lock()
	defer sb.cond.L.Unlock()
	if err := sb.wait(ctx); err != nil {
		return nil, err
	}
	if len(sb.leftover) > 0 {
		ret := sb.leftover
		sb.leftover = nil
		return ret, nil
	}
	ret := sb.queue[0]
	sb.queue[0] = nil
	sb.queue = sb.queue[1:]
	return ret, nil
}

// Read views the payloads as one byte stream
func (sb *streamBuffer) Read(target []byte) (int, error) {
	if len(target) == 0 {
		return 0, nil
	}
	sb.cond.L.Lock()
	defer sb.cond.L.Unlock()
	for len(sb.leftover) == 0 {
		if err := sb.wait(context.Background()); err != nil {
			return 0, err
		}
		sb.leftover = sb.queue[0]
		sb.queue[0] = nil
		sb.queue = sb.queue[1:]
	}
	n := copy(target, sb.leftover)
	sb.leftover = sb.leftover[n:]
	return n, nil
}

func (sb *streamBuffer) len() int {
	sb.cond.L.Lock()
	defer sb.cond.L.Unlock()
	return len(sb.queue)
}
