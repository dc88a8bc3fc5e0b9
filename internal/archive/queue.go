package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevox/internal/transcript"
)

var (
	// ErrQueueFull is returned by Append when the buffer is full. The batch
	// is dropped.
	ErrQueueFull = errors.New("archive: queue full")

	// ErrQueueClosed is returned by Append after Close.
	ErrQueueClosed = errors.New("archive: queue closed")
)

const (
	defaultQueueSize    = 128
	defaultWriteTimeout = 5 * time.Second
)

var _ transcript.Sink = (*Queue)(nil)

type batch struct {
	sessionID string
	entries   []transcript.Entry
}

// QueueOption is a functional option for configuring a Queue.
type QueueOption func(*Queue)

// WithQueueSize sets how many batches may wait for the writer.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

// WithWriteTimeout bounds each write. Default: 5s.
func WithWriteTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// Queue is an asynchronous [transcript.Sink]. Append copies the batch into a
// bounded buffer and returns immediately; one goroutine writes batches in
// arrival order. Write failures are logged and counted, never retried.
type Queue struct {
	w       Writer
	size    int
	timeout time.Duration

	ch     chan batch
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	failMu   sync.Mutex
	failures int
	lastErr  error
}

// NewQueue starts a Queue writing to w.
func NewQueue(w Writer, opts ...QueueOption) *Queue {
	q := &Queue{
		w:       w,
		size:    defaultQueueSize,
		timeout: defaultWriteTimeout,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.ch = make(chan batch, q.size)
	go q.run()
	return q
}

// Append implements [transcript.Sink].
func (q *Queue) Append(_ context.Context, sessionID string, entries []transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	b := batch{sessionID: sessionID, entries: append([]transcript.Entry(nil), entries...)}
	select {
	case q.ch <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) run() {
	for b := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.w.Write(ctx, b.sessionID, b.entries)
		cancel()
		if err != nil {
			q.failMu.Lock()
			q.failures++
			q.lastErr = err
			q.failMu.Unlock()
			slog.Warn("archive: write failed", "session_id", b.sessionID, "entries", len(b.entries), "err", err)
		}
	}
	close(q.done)
}

// Failures returns the number of failed writes and the last error.
func (q *Queue) Failures() (int, error) {
	q.failMu.Lock()
	defer q.failMu.Unlock()
	return q.failures, q.lastErr
}

// Close stops accepting batches and waits until everything queued has been
// written or ctx ends. Safe to call more than once.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive: drain queue: %w", ctx.Err())
	}
}
