package transport

import (
	"context"
	"sync"
)

// DefaultOutboxSize bounds the outbound queue of a session.
const DefaultOutboxSize = 64

// Outbox is a bounded FIFO of outbound messages drained by a single writer
// goroutine. Push never blocks, so audio callbacks can hand off frames
// without waiting on the network, and messages leave in push order.
type Outbox struct {
	ch        chan any
	done      chan struct{}
	closeOnce sync.Once
}

// NewOutbox returns an Outbox holding at most size messages.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{ch: make(chan any, size), done: make(chan struct{})}
}

// Push enqueues msg. It returns [ErrClosed] after Close and
// [ErrBackpressure] when the queue is full.
func (o *Outbox) Push(msg any) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.ch <- msg:
		return nil
	case <-o.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Run writes queued messages with write until ctx ends, Close is called, or
// write fails. The write error is returned; a clean stop returns nil.
func (o *Outbox) Run(ctx context.Context, write func(ctx context.Context, msg any) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.done:
			return nil
		case msg := <-o.ch:
			if err := write(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Close stops accepting messages and ends Run. Queued messages are dropped.
// Safe to call more than once.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}
