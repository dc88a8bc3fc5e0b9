package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodePCM16 converts float samples in [-1, 1] to a mono AudioFrame of
// little-endian int16. Out-of-range samples are clamped. Negative values scale
// by 32768 and positive values by 32767 so both ends map onto the full int16
// range.
func EncodePCM16(samples []float32, sampleRate int) AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(floatToInt16(s)))
	}
	return AudioFrame{Data: data, SampleRate: sampleRate, Channels: 1}
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// DecodePCM16 reconstructs a playable Buffer from little-endian int16 PCM with
// the given channel layout. Samples are normalised by 1/32768. It fails with a
// [*CodecError] on an empty payload or one whose length is not a whole number
// of sample frames.
func DecodePCM16(payload []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		channels = 1
	}
	switch {
	case len(payload) == 0:
		return nil, &CodecError{Length: 0, Reason: "empty payload"}
	case len(payload)%2 != 0:
		return nil, &CodecError{Length: len(payload), Reason: "odd byte length"}
	case len(payload)%(2*channels) != 0:
		return nil, &CodecError{
			Length: len(payload),
			Reason: fmt.Sprintf("not a multiple of %d-channel frames", channels),
		}
	}

	frames := len(payload) / (2 * channels)
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   channels,
		Data:       make([][]float32, channels),
	}
	for c := range buf.Data {
		buf.Data[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			v := int16(binary.LittleEndian.Uint16(payload[off:]))
			buf.Data[c][i] = float32(v) / 32768
		}
	}
	return buf, nil
}

// PCM16ToFloat converts mono little-endian int16 PCM to float samples. A
// trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
