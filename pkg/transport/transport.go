// Package transport defines the remote session abstraction between the voice
// engine and a conversational speech model.
//
// A [Provider] opens a [Session]; the session accepts outbound audio blobs and
// trigger text without blocking, and delivers everything the remote peer says
// as a single ordered stream of tagged [Event] values. Implementations live in
// sub-packages (gemini, genai, openai) and must be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/livevox/pkg/audio"
)

var (
	// ErrClosed is returned by sends on a closed session.
	ErrClosed = errors.New("transport: session closed")

	// ErrBackpressure is returned when the outbound queue is full and the
	// payload was dropped.
	ErrBackpressure = errors.New("transport: outbound queue full")
)

// Modality is an output modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Voice is a prebuilt voice of the remote model.
type Voice string

const (
	VoicePuck   Voice = "Puck"
	VoiceCharon Voice = "Charon"
	VoiceKore   Voice = "Kore"
	VoiceFenrir Voice = "Fenrir"
	VoiceAoede  Voice = "Aoede"
	VoiceZephyr Voice = "Zephyr"
)

// DefaultVoice is used when a config leaves the voice empty.
const DefaultVoice = VoiceZephyr

// Voices returns the supported voice set.
func Voices() []Voice {
	return []Voice{VoicePuck, VoiceCharon, VoiceKore, VoiceFenrir, VoiceAoede, VoiceZephyr}
}

// Valid reports whether v is one of [Voices].
func (v Voice) Valid() bool { return slices.Contains(Voices(), v) }

// Config is passed to [Provider.Connect].
type Config struct {
	// Modalities requested for responses. Defaults to audio only.
	Modalities []Modality

	// WebGrounding enables the model's built-in search tool.
	WebGrounding bool

	// Voice selects the prebuilt voice. Empty means [DefaultVoice].
	Voice Voice

	// SystemInstruction is the system prompt for the session.
	SystemInstruction string

	// InputTranscription asks the server to transcribe the user's audio.
	InputTranscription bool

	// OutputTranscription asks the server to transcribe the model's audio.
	OutputTranscription bool
}

// VoiceOrDefault returns c.Voice, or [DefaultVoice] when unset.
func (c Config) VoiceOrDefault() Voice {
	if c.Voice == "" {
		return DefaultVoice
	}
	return c.Voice
}

// ModalitiesOrDefault returns c.Modalities, or audio only when unset.
func (c Config) ModalitiesOrDefault() []Modality {
	if len(c.Modalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.Modalities
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Voice != "" && !c.Voice.Valid() {
		return fmt.Errorf("transport: unknown voice %q", c.Voice)
	}
	for _, m := range c.Modalities {
		if m != ModalityAudio && m != ModalityText {
			return fmt.Errorf("transport: unknown modality %q", m)
		}
	}
	return nil
}

// Role identifies the speaker of a text fragment.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// EventKind tags an [Event].
type EventKind int

const (
	// EventOpened signals the remote session is ready.
	EventOpened EventKind = iota

	// EventAudio carries one chunk of model speech.
	EventAudio

	// EventPartialText carries a transcript fragment for one role.
	EventPartialText

	// EventTurnComplete marks the end of a turn.
	EventTurnComplete

	// EventInterrupted signals the user spoke over the model.
	EventInterrupted

	// EventClosed signals the remote peer ended the session.
	EventClosed

	// EventError signals a fatal session error.
	EventError

	// EventWarning carries a remote error that does not end the session,
	// such as a rejected request.
	EventWarning
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio_chunk"
	case EventPartialText:
		return "partial_text"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the remote peer.
type Event struct {
	Kind EventKind

	// Audio and MIMEType are set for EventAudio.
	Audio    []byte
	MIMEType string

	// Role and Text are set for EventPartialText.
	Role Role
	Text string

	// Err is set for EventError and EventWarning.
	Err error
}

// Session is an open remote session.
//
// Events returns a channel that is closed when the session ends. A remote
// close or failure is reported by a final [EventClosed] or [EventError]
// before the channel closes; a local Close closes it without a terminal event.
type Session interface {
	// SendAudio enqueues blob for transmission without waiting. When the
	// outbound queue is full the blob is dropped and [ErrBackpressure] is
	// returned.
	SendAudio(blob audio.Blob) error

	// SendText enqueues a user text turn, e.g. a greeting trigger.
	SendText(text string) error

	// Events returns the inbound event stream.
	Events() <-chan Event

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens sessions on one remote backend.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Connect opens a session on model. It returns once the connection is
	// established; readiness is signalled later by [EventOpened].
	Connect(ctx context.Context, model string, cfg Config) (Session, error)
}

// Error is a transport failure: a dial or setup failure, a remote error
// message or an unexpected close.
type Error struct {
	Provider string
	Op       string

	// Code is the remote error code, if the peer sent one.
	Code string

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
