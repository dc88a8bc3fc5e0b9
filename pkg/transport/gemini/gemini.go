// Package gemini implements [transport.Provider] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM in both directions; server
// content is mapped onto the transport event stream in arrival order.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/transport"
)

// Compile-time assertions that Provider and session satisfy the transport
// interfaces.
var (
	_ transport.Provider = (*Provider)(nil)
	_ transport.Session  = (*session)(nil)
)

const (
	// Name identifies this provider in config and logs.
	Name = "gemini-live"

	// DefaultModel is used when Connect is given an empty model.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	eventBuffer       = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithOutboxSize sets how many outbound messages may queue before sends are
// dropped.
func WithOutboxSize(n int) Option {
	return func(p *Provider) { p.outboxSize = n }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements transport.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	baseURL    string
	outboxSize int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		outboxSize: transport.DefaultOutboxSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "gemini-live".
func (p *Provider) Name() string { return Name }

// Connect dials the Live endpoint and sends the setup message. The session
// reports readiness with [transport.EventOpened] once the server acknowledges
// the setup.
func (p *Provider) Connect(ctx context.Context, model string, cfg transport.Config) (transport.Session, error) {
	if model == "" {
		model = DefaultModel
	}
	if err := cfg.Validate(); err != nil {
		return nil, &transport.Error{Provider: Name, Op: "connect", Err: err}
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, &transport.Error{Provider: Name, Op: "dial", Err: err}
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan transport.Event, eventBuffer),
		outbox: transport.NewOutbox(p.outboxSize),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := s.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &transport.Error{Provider: Name, Op: "setup", Err: err}
	}

	s.wg.Add(3)
	go s.receiveLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []tool           `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	Thought    bool   `json:"thought,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// buildSetup translates cfg into the BidiGenerateContent setup message.
func buildSetup(model string, cfg transport.Config) setupMessage {
	modalities := make([]string, 0, len(cfg.ModalitiesOrDefault()))
	for _, m := range cfg.ModalitiesOrDefault() {
		modalities = append(modalities, string(m))
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: string(cfg.VoiceOrDefault())},
					},
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.WebGrounding {
		msg.Setup.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// mapServerMessage converts one server message into transport events, in the
// order the engine must apply them. fatal is set for server errors.
func mapServerMessage(msg *serverMessage) (events []transport.Event, fatal bool) {
	if msg.SetupComplete != nil {
		events = append(events, transport.Event{Kind: transport.EventOpened})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, transport.Event{
				Kind: transport.EventPartialText, Role: transport.RoleUser, Text: sc.InputTranscription.Text,
			})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						slog.Debug("gemini: skipping undecodable inline data", "err", err)
						continue
					}
					events = append(events, transport.Event{
						Kind: transport.EventAudio, Audio: data, MIMEType: p.InlineData.MIMEType,
					})
				}
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
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		events = append(events, transport.Event{
			Kind: transport.EventError,
			Err: &transport.Error{
				Provider: Name,
				Op:       "server",
				Err:      fmt.Errorf("%d %s: %s", msg.Error.Code, msg.Error.Status, text),
			},
		})
		fatal = true
	}
	return events, fatal
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan transport.Event
	outbox *transport.Outbox

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and emits events. It owns the
// events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emitTerminal(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}

		events, fatal := mapServerMessage(&msg)
		for _, ev := range events {
			if !s.emit(ev) {
				return
			}
		}
		if fatal {
			s.cancel()
			s.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
	}
}

// emitTerminal reports the end of a session that was not closed locally.
func (s *session) emitTerminal(readErr error) {
	s.mu.Lock()
	cause := s.errVal
	s.mu.Unlock()

	switch {
	case cause != nil:
		s.emit(transport.Event{Kind: transport.EventError, Err: &transport.Error{Provider: Name, Op: "send", Err: cause}})
	case websocket.CloseStatus(readErr) == websocket.StatusNormalClosure,
		websocket.CloseStatus(readErr) == websocket.StatusGoingAway:
		s.emit(transport.Event{Kind: transport.EventClosed})
	default:
		s.emit(transport.Event{Kind: transport.EventError, Err: &transport.Error{Provider: Name, Op: "receive", Err: readErr}})
	}
}

// emit delivers ev unless the session is closed locally first.
func (s *session) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop drains the outbox onto the socket.
func (s *session) writeLoop() {
	defer s.wg.Done()
	err := s.outbox.Run(s.ctx, s.writeJSON)
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	// Unblocks receiveLoop, which reports the stored error.
	s.conn.Close(websocket.StatusInternalError, "write failed")
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── transport.Session methods ──────────────────────────────────────────────────

// SendAudio queues a PCM blob as realtime input.
func (s *session) SendAudio(b audio.Blob) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.outbox.Push(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &blob{MIMEType: b.MIMEType, Data: base64.StdEncoding.EncodeToString(b.Data)},
		},
	})
}

// SendText queues a complete user text turn.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.outbox.Push(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
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
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}
