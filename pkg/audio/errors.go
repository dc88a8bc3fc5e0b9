package audio

import (
	"errors"
	"fmt"
)

// ErrGraphClosed is returned when a unit is scheduled on a closed output graph.
var ErrGraphClosed = errors.New("audio: output graph closed")

// PermissionError reports that an audio device was denied or is unavailable.
// It is never retried.
type PermissionError struct {
	// Device names the device that could not be acquired, e.g. "microphone".
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: %s unavailable", e.Device)
	}
	return fmt.Sprintf("audio: %s unavailable: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// CodecError reports a malformed or truncated PCM payload. The affected unit
// is dropped; the session carries on.
type CodecError struct {
	// Length is the payload size in bytes.
	Length int
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: decode %d bytes: %s", e.Length, e.Reason)
}
