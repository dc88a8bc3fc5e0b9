// Package transcript accumulates streaming transcription fragments per speaker
// role and finalizes them into a bounded, ordered conversation log.
//
// Fragments arrive as [Aggregator.AppendPartial] calls while a turn is in
// progress. [Aggregator.FinalizeTurn] turns the accumulated text of both roles
// into [Entry] values at a turn boundary, user before model, and
// [Aggregator.DiscardPartial] drops unfinished text when the turn is
// interrupted. The log keeps only the most recent [MaxEntries] entries.
//
// An Aggregator is safe for concurrent use; reads return snapshot copies.
package transcript

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/transport"
)

// MaxEntries is the default bound on the finalized log.
const MaxEntries = 15

// Entry is one finalized utterance. Entries are never mutated after they are
// appended to the log.
type Entry struct {
	Role      transport.Role `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives finalized entries, e.g. for archival. Implementations must
// not block the caller for long.
type Sink interface {
	Append(ctx context.Context, sessionID string, entries []Entry) error
}

// Option is a functional option for configuring an Aggregator.
type Option func(*Aggregator)

// WithMaxEntries overrides the log bound. Values below 1 are ignored.
func WithMaxEntries(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.max = n
		}
	}
}

// WithClock sets the timestamp source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator is the per-session transcript state.
type Aggregator struct {
	mu      sync.Mutex
	user    strings.Builder
	model   strings.Builder
	entries []Entry

	max int
	now func() time.Time
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{max: MaxEntries, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) builder(role transport.Role) *strings.Builder {
	switch role {
	case transport.RoleUser:
		return &a.user
	case transport.RoleModel:
		return &a.model
	}
	return nil
}

// AppendPartial concatenates text onto the accumulator for role. Unknown
// roles are ignored.
func (a *Aggregator) AppendPartial(role transport.Role, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.builder(role); b != nil {
		b.WriteString(text)
	}
}

// FinalizeTurn appends one entry per role whose accumulated text is not blank,
// user first, then clears both accumulators. It returns the new entries.
func (a *Aggregator) FinalizeTurn() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	var added []Entry
	for _, role := range []transport.Role{transport.RoleUser, transport.RoleModel} {
		b := a.builder(role)
		text := strings.TrimSpace(b.String())
		b.Reset()
		if text == "" {
			continue
		}
		added = append(added, Entry{Role: role, Text: text, Timestamp: ts})
	}
	if len(added) == 0 {
		return nil
	}

	a.entries = append(a.entries, added...)
	if over := len(a.entries) - a.max; over > 0 {
		a.entries = append(a.entries[:0:0], a.entries[over:]...)
	}
	return added
}

// DiscardPartial clears both accumulators without creating entries.
func (a *Aggregator) DiscardPartial() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
}

// Entries returns a copy of the finalized log, oldest first.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Partial returns the text accumulated so far for role.
func (a *Aggregator) Partial(role transport.Role) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.builder(role); b != nil {
		return b.String()
	}
	return ""
}

// Reset clears the log and both accumulators.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
	a.entries = nil
}
