package app

import (
	"context"
	"fmt"
	"io"

	"github.com/MrWong99/livevox/internal/engine"
	"github.com/MrWong99/livevox/internal/transcript"
)

// consoleBuffer is the number of pending console lines. Lines beyond it are
// dropped so engine callbacks never block on a slow terminal.
const consoleBuffer = 64

// consoleConsumer prints state changes and finalized turns. Producers only
// enqueue; run does the writing.
type consoleConsumer struct {
	w     io.Writer
	lines chan string
}

func newConsoleConsumer(w io.Writer) *consoleConsumer {
	return &consoleConsumer{w: w, lines: make(chan string, consoleBuffer)}
}

func (c *consoleConsumer) enqueue(line string) {
	select {
	case c.lines <- line:
	default:
	}
}

// stateChanged is registered with engine.OnStateChange.
func (c *consoleConsumer) stateChanged(t engine.Transition) {
	switch {
	case t.Message != "":
		c.enqueue(fmt.Sprintf("[%s] %s", t.To, t.Message))
	case t.SessionID != "":
		c.enqueue(fmt.Sprintf("[%s] session %s", t.To, t.SessionID))
	default:
		c.enqueue(fmt.Sprintf("[%s]", t.To))
	}
}

// Append implements transcript.Sink.
func (c *consoleConsumer) Append(_ context.Context, _ string, entries []transcript.Entry) error {
	for _, e := range entries {
		c.enqueue(fmt.Sprintf("%s: %s", e.Role, e.Text))
	}
	return nil
}

// run writes lines until ctx ends, then flushes what is already queued.
func (c *consoleConsumer) run(ctx context.Context) {
	for {
		select {
		case line := <-c.lines:
			fmt.Fprintln(c.w, line)
		case <-ctx.Done():
			for {
				select {
				case line := <-c.lines:
					fmt.Fprintln(c.w, line)
				default:
					return
				}
			}
		}
	}
}
