package engine

import (
	"fmt"

	"github.com/MrWong99/livevox/internal/transcript"
)

// State is the lifecycle state of an [Engine].
type State int

const (
	// StateIdle means no session is open.
	StateIdle State = iota

	// StateConnecting means devices are being acquired or the remote session
	// has been dialled but has not signalled it is open.
	StateConnecting

	// StateActive means the remote session is open and audio flows both ways.
	StateActive

	// StateError means the last session ended in a failure. The engine accepts
	// a new Start from here.
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// busy reports whether a session handle exists or is being opened.
func (s State) busy() bool {
	return s == StateConnecting || s == StateActive
}

// User-facing status messages. Raw error text never leaves the engine.
const (
	MsgMicrophone = "Microphone access was denied or is unavailable."
	MsgSpeaker    = "Audio output is unavailable."
	MsgConnection = "Connection to the voice service failed. Please try again."
)

// Transition describes one state change.
type Transition struct {
	From      State
	To        State
	SessionID string

	// Message is the user-facing error message when To is [StateError].
	Message string
}

// Levels holds the normalized input and output volume.
type Levels struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Snapshot is a consistent copy of everything a UI renders.
type Snapshot struct {
	State        State              `json:"state"`
	Error        string             `json:"error,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	Levels       Levels             `json:"levels"`
	Transcript   []transcript.Entry `json:"transcript"`
	PartialUser  string             `json:"partial_user"`
	PartialModel string             `json:"partial_model"`
}
