// Package mock provides test doubles for the transport package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to push inbound events at the engine and inspect what it sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	// ... start the engine with p ...
//	sess.Emit(transport.Event{Kind: transport.EventOpened})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/transport"
)

var (
	_ transport.Provider = (*Provider)(nil)
	_ transport.Session  = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Model string
	Cfg   transport.Config
}

// Provider is a mock implementation of transport.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Sessions are returned by successive Connect calls. When exhausted,
	// Connect returns a fresh Session.
	Sessions []*Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, blocks Connect until it is closed or ctx ends.
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	next int
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns the next Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, model string, cfg transport.Config) (transport.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Model: model, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.next < len(p.Sessions) {
		s := p.Sessions[p.next]
		p.next++
		return s, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	p.next++
	return s, nil
}

// Calls returns a copy of ConnectCalls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a mock implementation of transport.Session.
type Session struct {
	mu     sync.Mutex
	events chan transport.Event
	done   bool

	// SendErr, if non-nil, is returned by SendAudio and SendText.
	SendErr error

	audio       []audio.Blob
	texts       []string
	closeCalled int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan transport.Event, 256)}
}

// Emit delivers ev to the consumer. It reports false once the session is
// finished or closed.
func (s *Session) Emit(ev transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.events <- ev
	return true
}

// Finish emits a terminal event, if non-nil, and closes the stream as a
// remote end would.
func (s *Session) Finish(ev *transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if ev != nil {
		s.events <- *ev
	}
	s.done = true
	close(s.events)
}

// SendAudio records b.
func (s *Session) SendAudio(b audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalled > 0 {
		return transport.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.audio = append(s.audio, b)
	return nil
}

// SendText records text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalled > 0 {
		return transport.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan transport.Event { return s.events }

// Close closes the stream without a terminal event.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalled++
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

// Audio returns a copy of the blobs sent so far.
func (s *Session) Audio() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns a copy of the texts sent so far.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// CloseCalls reports how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalled
}
