package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter brings frames from an arbitrary input into a target format.
// The first mismatch and the first misaligned frame are each logged once.
// Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Frames with an odd byte count come back empty.
// Resampling runs before channel conversion.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned pcm frame",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels}.String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Info("audio: converting input format", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 2 {
			pcm = resample16(pcm, 2, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// MonoToStereo duplicates each int16 sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		v := sampleAt(pcm, i)
		putSample(out, 2*i, v)
		putSample(out, 2*i+1, v)
	}
	return out
}

// StereoToMono averages each L/R pair into one int16 sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sampleAt(pcm, 2*i)) + int32(sampleAt(pcm, 2*i+1))) / 2
		putSample(out, i, int16(max(-32768, min(32767, avg))))
	}
	return out
}

// ResampleMono16 converts mono int16 PCM from srcRate to dstRate by linear
// interpolation. Invalid or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			a := float64(sampleAt(pcm, idx*channels+c))
			b := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(a+(b-a)*frac))
		}
	}
	return out
}
