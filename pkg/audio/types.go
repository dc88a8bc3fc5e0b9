// Package audio holds the sample-level building blocks of the voice session
// engine: the wire frame type, the PCM codec, level metering, format
// conversion, and the capability interfaces behind which real or fake audio
// hardware lives.
//
// The package lives under pkg/ because device adapters outside this module
// are expected to implement [CaptureDevice] and [OutputDevice].
package audio

import (
	"mime"
	"strconv"
	"time"
)

const (
	// CaptureSampleRate is the rate at which microphone audio is captured and
	// sent to the remote model.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of the output graph and of the audio the
	// remote model returns.
	PlaybackSampleRate = 24000

	// CaptureBlockSize is the number of samples handed to the encoder per
	// capture callback.
	CaptureBlockSize = 4096
)

// AudioFrame is an ordered block of little-endian signed 16-bit PCM samples
// tagged with its sample rate. Frames are immutable once built: ownership
// moves to the transport on send and to the playback scheduler on receive.
type AudioFrame struct {
	// Data is interleaved int16 little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is 1 for every frame the engine produces.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (per channel) in f.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback length of f. Zero when the rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Blob wraps the frame in the provider-agnostic envelope sent on the wire.
func (f AudioFrame) Blob() Blob {
	return Blob{MIMEType: PCMMIMEType(f.SampleRate), Data: f.Data}
}

// Blob is an encoded audio payload plus its MIME description, e.g.
// "audio/pcm;rate=16000".
type Blob struct {
	MIMEType string
	Data     []byte
}

// PCMMIMEType returns the MIME type for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is absent or
// malformed.
func ParseRate(mimeType string, def int) int {
	if mimeType == "" {
		return def
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return def
	}
	r, err := strconv.Atoi(params["rate"])
	if err != nil || r <= 0 {
		return def
	}
	return r
}

// Buffer is decoded, playable audio: one float32 slice per channel, all of
// equal length, with samples in [-1, 1).
type Buffer struct {
	SampleRate int
	Channels   int
	Data       [][]float32
}

// Frames returns the number of sample frames in b.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of b in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Mono returns sample i averaged across all channels.
func (b *Buffer) Mono(i int) float32 {
	if len(b.Data) == 1 {
		return b.Data[0][i]
	}
	var sum float32
	for _, ch := range b.Data {
		sum += ch[i]
	}
	return sum / float32(len(b.Data))
}
