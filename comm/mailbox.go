package comm

import (
	"context"
	"sync"

	"taskfarm/errs"
)

// mailbox is an unbounded FIFO with selective receive.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{} // closed and replaced on every change
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{})}
}

func (b *mailbox) deliver(m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.ClosedError.New("mailbox closed")
	}
	b.queue = append(b.queue, m)
	b.notify()
	return nil
}

func (b *mailbox) notify() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func matches(m Message, source Rank, tag Tag) bool {
	return (source == AnySource || m.Source == source) && (tag == AnyTag || m.Tag == tag)
}

func (b *mailbox) take(ctx context.Context, source Rank, tag Tag) (Message, error) {
	for {
		b.mu.Lock()
		for i, m := range b.queue {
			if matches(m, source, tag) {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				b.mu.Unlock()
				return m, nil
			}
		}
		if b.closed {
			b.mu.Unlock()
			return Message{}, errs.ClosedError.New("mailbox closed")
		}
		sig := b.signal
		b.mu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (b *mailbox) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notify()
}
