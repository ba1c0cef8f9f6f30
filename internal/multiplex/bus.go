package multiplex

import "sync"

type subscriber interface {
	// deliver is called with every published message, in publishing order. It must not
	// block and is responsible for ignoring messages it isn't interested in.
	deliver(msg *Message)
	// detach is called once when the bus is closed
	detach()
}

// bus broadcasts inbound messages to every subscriber. The subscriber list is copy-on-write
// so delivering can run without the lock, which lets subscribers unsubscribe or write to
// the session from inside deliver.
type bus struct {
	mu     sync.Mutex
	subs   []subscriber
	closed bool
}

func (b *bus) subscribe(s subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	subs := make([]subscriber, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, s)
	return true
}

func (b *bus) unsubscribe(s subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			subs := make([]subscriber, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// publish must not be called concurrently with itself
func (b *bus) publish(msg *Message) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(msg)
	}
}

func (b *bus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.detach()
	}
}
