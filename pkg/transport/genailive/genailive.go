// Package genailive implements [transport.Provider] on top of the official
// Google Gen AI SDK's Live client.
//
// The SDK owns the wire format; this package adds what the engine expects of
// every transport: non-blocking sends through a single writer goroutine, and
// one ordered event stream with a terminal event on remote close or failure.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/transport"
)

var (
	_ transport.Provider = (*Provider)(nil)
	_ transport.Session  = (*session)(nil)
)

const (
	// Name identifies this provider in config and logs.
	Name = "gemini-genai"

	// DefaultModel is used when Connect is given an empty model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	apiVersion  = "v1beta"
	eventBuffer = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL, e.g. "ws://127.0.0.1:8080/" in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithOutboxSize sets how many outbound messages may queue before sends are
// dropped.
func WithOutboxSize(n int) Option {
	return func(p *Provider) { p.outboxSize = n }
}

// Provider implements transport.Provider through google.golang.org/genai.
type Provider struct {
	apiKey     string
	baseURL    string
	outboxSize int
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, outboxSize: transport.DefaultOutboxSize}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "gemini-genai".
func (p *Provider) Name() string { return Name }

// Connect creates an SDK client and opens a Live session.
func (p *Provider) Connect(ctx context.Context, model string, cfg transport.Config) (transport.Session, error) {
	if model == "" {
		model = DefaultModel
	}
	if err := cfg.Validate(); err != nil {
		return nil, &transport.Error{Provider: Name, Op: "connect", Err: err}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL, APIVersion: apiVersion},
	})
	if err != nil {
		return nil, &transport.Error{Provider: Name, Op: "client", Err: err}
	}

	live, err := client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, &transport.Error{Provider: Name, Op: "dial", Err: err}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		live:   live,
		events: make(chan transport.Event, eventBuffer),
		outbox: transport.NewOutbox(p.outboxSize),
		ctx:    sessCtx,
		cancel: cancel,
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
	return s, nil
}

// liveConfig translates cfg into the SDK's connect configuration.
func liveConfig(cfg transport.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: string(cfg.VoiceOrDefault())},
			},
		},
	}
	for _, m := range cfg.ModalitiesOrDefault() {
		lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(m))
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.WebGrounding {
		lc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// mapMessage converts one server message into transport events in the order
// the engine must apply them.
func mapMessage(msg *genai.LiveServerMessage) []transport.Event {
	var events []transport.Event
	if msg.SetupComplete != nil {
		events = append(events, transport.Event{Kind: transport.EventOpened})
	}
	sc := msg.ServerContent
	if sc == nil {
		return events
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, transport.Event{
			Kind: transport.EventPartialText, Role: transport.RoleUser, Text: sc.InputTranscription.Text,
		})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			events = append(events, transport.Event{
				Kind: transport.EventAudio, Audio: p.InlineData.Data, MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, transport.Event{
			Kind: transport.EventPartialText, Role: transport.RoleModel, Text: sc.OutputTranscription.Text,
		})
	}
	if sc.Interrupted {
		events = append(events, transport.Event{Kind: transport.EventInterrupted})
	}
	if sc.TurnComplete {
		events = append(events, transport.Event{Kind: transport.EventTurnComplete})
	}
	return events
}

// ── session ────────────────────────────────────────────────────────────────────

type audioMsg struct{ blob audio.Blob }

type textMsg struct{ text string }

type session struct {
	live   *genai.Session
	events chan transport.Event
	outbox *transport.Outbox

	mu     sync.Mutex
	closed bool
	errVal error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(s.terminal(err))
			return
		}
		if msg.GoAway != nil {
			slog.Info("genailive: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range mapMessage(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// terminal maps the error that ended Receive onto the final event.
func (s *session) terminal(err error) transport.Event {
	s.mu.Lock()
	cause := s.errVal
	s.mu.Unlock()
	if cause != nil {
		return transport.Event{Kind: transport.EventError, Err: &transport.Error{Provider: Name, Op: "send", Err: cause}}
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return transport.Event{Kind: transport.EventClosed}
	}
	return transport.Event{Kind: transport.EventError, Err: &transport.Error{Provider: Name, Op: "receive", Err: err}}
}

func (s *session) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	err := s.outbox.Run(s.ctx, func(_ context.Context, msg any) error {
		switch m := msg.(type) {
		case audioMsg:
			return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{MIMEType: m.blob.MIMEType, Data: m.blob.Data},
			})
		case textMsg:
			return s.live.SendClientContent(genai.LiveClientContentInput{
				Turns:        []*genai.Content{genai.NewContentFromText(m.text, genai.RoleUser)},
				TurnComplete: genai.Ptr(true),
			})
		default:
			return fmt.Errorf("genailive: unknown outbound message %T", msg)
		}
	})
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	// Unblocks Receive so receiveLoop reports the stored error.
	_ = s.live.Close()
}

func (s *session) send(msg any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return s.outbox.Push(msg)
}

// SendAudio queues a PCM blob as realtime input.
func (s *session) SendAudio(b audio.Blob) error { return s.send(audioMsg{blob: b}) }

// SendText queues a complete user text turn.
func (s *session) SendText(text string) error { return s.send(textMsg{text: text}) }

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.outbox.Close()
	s.cancel()
	err := s.live.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("genailive: close", "err", err)
	}
	return nil
}
