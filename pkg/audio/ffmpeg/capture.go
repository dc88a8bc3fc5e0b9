package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/MrWong99/livevox/pkg/audio"
)

var _ audio.CaptureDevice = (*Capture)(nil)

// Capture acquires the system microphone through an ffmpeg child process that
// writes mono s16le PCM to its stdout.
type Capture struct {
	// Binary is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	Binary string

	// InputFormat is the ffmpeg input device format. Defaults to "pulse" on
	// linux and "avfoundation" on darwin.
	InputFormat string

	// Device is the input device name. Defaults to "default" for pulse and
	// ":0" for avfoundation.
	Device string
}

// Acquire starts ffmpeg. A missing binary, an unsupported platform or a
// process that cannot start is reported as an [*audio.PermissionError].
func (c *Capture) Acquire(_ context.Context, sampleRate int) (audio.CaptureStream, error) {
	bin := c.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, &audio.PermissionError{Device: "microphone", Err: err}
	}
	args, err := c.args(runtime.GOOS, sampleRate)
	if err != nil {
		return nil, &audio.PermissionError{Device: "microphone", Err: err}
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &audio.PermissionError{Device: "microphone", Err: err}
	}

	release := func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		return nil
	}
	return newStream(stdout, audio.Format{SampleRate: sampleRate, Channels: 1}, sampleRate, release), nil
}

func (c *Capture) args(goos string, sampleRate int) ([]string, error) {
	format, device := c.InputFormat, c.Device
	if format == "" {
		switch goos {
		case "linux":
			format = "pulse"
		case "darwin":
			format = "avfoundation"
		default:
			return nil, fmt.Errorf("ffmpeg: microphone capture is not supported on %s", goos)
		}
	}
	if device == "" {
		device = "default"
		if format == "avfoundation" {
			device = ":0"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le", "-",
	}, nil
}
