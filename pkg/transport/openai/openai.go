// Package openai implements [transport.Provider] for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. Audio travels
// as base64-encoded 24 kHz PCM16 in both directions, so captured blocks are
// resampled before they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

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
	Name = "openai-realtime"

	// DefaultModel is used when Connect is given an empty model.
	DefaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate the Realtime API speaks in both directions.
	SampleRate = 24000

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// voices maps the engine's prebuilt voice names onto Realtime voices.
var voices = map[transport.Voice]string{
	transport.VoicePuck:   "alloy",
	transport.VoiceCharon: "ash",
	transport.VoiceKore:   "coral",
	transport.VoiceFenrir: "echo",
	transport.VoiceAoede:  "shimmer",
	transport.VoiceZephyr: "sage",
}

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

// Provider implements transport.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	baseURL    string
	outboxSize int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
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

// Name returns "openai-realtime".
func (p *Provider) Name() string { return Name }

// Connect dials the Realtime endpoint and sends session.update. The session
// reports readiness with [transport.EventOpened] when session.created arrives.
func (p *Provider) Connect(ctx context.Context, model string, cfg transport.Config) (transport.Session, error) {
	if model == "" {
		model = DefaultModel
	}
	if err := cfg.Validate(); err != nil {
		return nil, &transport.Error{Provider: Name, Op: "connect", Err: err}
	}
	if cfg.WebGrounding {
		slog.Warn("openai: web grounding is not supported by the realtime api, ignoring")
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
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

	if err := s.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &transport.Error{Provider: Name, Op: "session update", Err: err}
	}

	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// buildSessionUpdate translates cfg into a session.update event. Output
// transcription is always produced by the Realtime API alongside audio.
func buildSessionUpdate(cfg transport.Config) sessionUpdateMessage {
	params := sessionParams{
		Voice:             voices[cfg.VoiceOrDefault()],
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	for _, m := range cfg.ModalitiesOrDefault() {
		switch m {
		case transport.ModalityAudio:
			// The Realtime API refuses audio without its text channel.
			params.Modalities = append(params.Modalities, "audio", "text")
		case transport.ModalityText:
			params.Modalities = append(params.Modalities, "text")
		}
	}
	params.Modalities = dedupe(params.Modalities)
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// fatalErrorTypes are the Realtime error types that end the session. Anything
// else, e.g. invalid_request_error, rejects one request and the session
// carries on.
var fatalErrorTypes = map[string]bool{
	"server_error":         true,
	"session_expired":      true,
	"authentication_error": true,
}

// mapServerEvent converts one Realtime event into transport events. fatal is
// set for errors that end the session.
func mapServerEvent(evt *serverEvent) (events []transport.Event, fatal bool) {
	switch evt.Type {
	case "session.created":
		events = append(events, transport.Event{Kind: transport.EventOpened})

	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return nil, false
		}
		events = append(events, transport.Event{
			Kind: transport.EventAudio, Audio: data, MIMEType: audio.PCMMIMEType(SampleRate),
		})

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta != "" {
			events = append(events, transport.Event{
				Kind: transport.EventPartialText, Role: transport.RoleModel, Text: evt.Delta,
			})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			events = append(events, transport.Event{
				Kind: transport.EventPartialText, Role: transport.RoleUser, Text: evt.Transcript,
			})
		}

	case "input_audio_buffer.speech_started":
		events = append(events, transport.Event{Kind: transport.EventInterrupted})

	case "response.done":
		events = append(events, transport.Event{Kind: transport.EventTurnComplete})

	case "error":
		detail := serverErrorDetail{Type: "server_error", Message: "unknown error"}
		if evt.Error != nil {
			detail.Code = evt.Error.Code
			if evt.Error.Type != "" {
				detail.Type = evt.Error.Type
			}
			if evt.Error.Message != "" {
				detail.Message = evt.Error.Message
			}
		}
		fatal = fatalErrorTypes[detail.Type] || fatalErrorTypes[detail.Code]
		kind := transport.EventWarning
		if fatal {
			kind = transport.EventError
		}
		events = append(events, transport.Event{
			Kind: kind,
			Err: &transport.Error{
				Provider: Name,
				Op:       "server",
				Code:     detail.Code,
				Err:      fmt.Errorf("%s: %s", detail.Type, detail.Message),
			},
		})
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
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and emits transport events. It
// owns the events channel and closes it when it exits.
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

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		events, fatal := mapServerEvent(&evt)
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

func (s *session) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop drains the outbox onto the socket. A text turn expands into the
// conversation item plus a response.create so the model answers it.
func (s *session) writeLoop() {
	defer s.wg.Done()
	err := s.outbox.Run(s.ctx, func(ctx context.Context, msg any) error {
		if item, ok := msg.(createConversationItemMessage); ok {
			if err := s.writeJSON(ctx, item); err != nil {
				return err
			}
			return s.writeJSON(ctx, typeOnlyMessage{Type: "response.create"})
		}
		return s.writeJSON(ctx, msg)
	})
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.conn.Close(websocket.StatusInternalError, "write failed")
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── transport.Session methods ──────────────────────────────────────────────────

// SendAudio resamples b to 24 kHz when needed and appends it to the input
// buffer.
func (s *session) SendAudio(b audio.Blob) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	pcm := b.Data
	if rate := audio.ParseRate(b.MIMEType, audio.CaptureSampleRate); rate != SampleRate {
		pcm = audio.ResampleMono16(pcm, rate, SampleRate)
	}
	return s.outbox.Push(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText queues a user text item followed by a response request.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.outbox.Push(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
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
