package audio_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
)

func TestEncodePCM16_Clamping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float32
		want int16
	}{
		{in: 0, want: 0},
		{in: 1, want: 32767},
		{in: -1, want: -32768},
		{in: 1.5, want: 32767},
		{in: -3, want: -32768},
		{in: 0.5, want: 16383},
		{in: -0.5, want: -16384},
		{in: float32(math.NaN()), want: 0},
	}
	for _, tt := range tests {
		frame := audio.EncodePCM16([]float32{tt.in}, 16000)
		if got := bytesToSamples(frame.Data)[0]; got != tt.want {
			t.Errorf("encode(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncodePCM16_Frame(t *testing.T) {
	t.Parallel()
	frame := audio.EncodePCM16(make([]float32, audio.CaptureBlockSize), audio.CaptureSampleRate)
	if len(frame.Data) != 2*audio.CaptureBlockSize {
		t.Errorf("len(Data) = %d, want %d", len(frame.Data), 2*audio.CaptureBlockSize)
	}
	if frame.SampleRate != 16000 || frame.Channels != 1 {
		t.Errorf("format = %dHz %dch, want 16000Hz mono", frame.SampleRate, frame.Channels)
	}
	if got, want := frame.Duration(), 256*time.Millisecond; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
	blob := frame.Blob()
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", blob.MIMEType)
	}
	if &blob.Data[0] != &frame.Data[0] {
		t.Error("blob should share the frame payload")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(1, 2))
	for _, n := range []int{1, 2, 7, 480, 4096} {
		in := make([]float32, n)
		for i := range in {
			in[i] = r.Float32()*2 - 1
		}
		buf, err := audio.DecodePCM16(audio.EncodePCM16(in, 24000).Data, 24000, 1)
		if err != nil {
			t.Fatalf("n=%d: decode: %v", n, err)
		}
		if buf.Frames() != n || buf.Channels != 1 || buf.SampleRate != 24000 {
			t.Fatalf("n=%d: got %d frames %d ch %d Hz", n, buf.Frames(), buf.Channels, buf.SampleRate)
		}
		for i, want := range in {
			if d := math.Abs(float64(buf.Data[0][i] - want)); d > 1.0/16384 {
				t.Fatalf("n=%d sample %d: got %v want %v (err %v)", n, i, buf.Data[0][i], want, d)
			}
		}
	}
}

func TestDecodePCM16_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		payload  []byte
		channels int
	}{
		{name: "empty", payload: nil, channels: 1},
		{name: "odd length", payload: []byte{1, 2, 3}, channels: 1},
		{name: "partial stereo frame", payload: []byte{1, 2, 3, 4, 5, 6}, channels: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodePCM16(tt.payload, 24000, tt.channels)
			var ce *audio.CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *CodecError", err)
			}
			if ce.Length != len(tt.payload) {
				t.Errorf("Length = %d, want %d", ce.Length, len(tt.payload))
			}
		})
	}
}

func TestDecodePCM16_Scenario(t *testing.T) {
	t.Parallel()
	buf, err := audio.DecodePCM16(make([]byte, 2400*2), 24000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(buf.Duration()-0.1) > 1e-12 {
		t.Errorf("Duration() = %v, want 0.1", buf.Duration())
	}
}

func TestDecodePCM16_Stereo(t *testing.T) {
	t.Parallel()
	buf, err := audio.DecodePCM16(samplesToBytes([]int16{16384, -16384, 0, 8192}), 24000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if buf.Frames() != 2 {
		t.Fatalf("Frames() = %d, want 2", buf.Frames())
	}
	if buf.Data[0][0] != 0.5 || buf.Data[1][0] != -0.5 {
		t.Errorf("frame 0 = %v/%v", buf.Data[0][0], buf.Data[1][0])
	}
	if got := buf.Mono(1); got != 0.125 {
		t.Errorf("Mono(1) = %v, want 0.125", got)
	}
}

func TestParseRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mime string
		want int
	}{
		{mime: "audio/pcm;rate=24000", want: 24000},
		{mime: "audio/pcm; rate=16000", want: 16000},
		{mime: "audio/pcm", want: 8000},
		{mime: "", want: 8000},
		{mime: "audio/pcm;rate=abc", want: 8000},
		{mime: "audio/pcm;rate=-5", want: 8000},
	}
	for _, tt := range tests {
		if got := audio.ParseRate(tt.mime, 8000); got != tt.want {
			t.Errorf("ParseRate(%q) = %d, want %d", tt.mime, got, tt.want)
		}
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()
	inner := errors.New("no such device")
	err := error(&audio.PermissionError{Device: "microphone", Err: inner})
	if !errors.Is(err, inner) {
		t.Error("PermissionError should unwrap to its cause")
	}
	if err.Error() != "audio: microphone unavailable: no such device" {
		t.Errorf("Error() = %q", err.Error())
	}
}
