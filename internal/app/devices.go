package app

import (
	"context"
	"io"
	"os"

	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/audio/ffmpeg"
	"github.com/MrWong99/livevox/pkg/audio/mixer"
)

// buildDevices creates the microphone and speaker named by cfg.
func buildDevices(cfg config.AudioConfig) (audio.CaptureDevice, audio.OutputDevice) {
	var capDev audio.CaptureDevice
	switch cfg.Input.Kind {
	case config.InputReader:
		path := cfg.Input.Path
		capDev = &ffmpeg.ReaderDevice{
			Open: func() (io.ReadCloser, error) {
				if path == "-" {
					return io.NopCloser(os.Stdin), nil
				}
				return os.Open(path)
			},
			Format: audio.Format{SampleRate: cfg.Input.SampleRate, Channels: cfg.Input.Channels},
		}
	default:
		capDev = &ffmpeg.Capture{
			Binary:      cfg.Input.Binary,
			InputFormat: cfg.Input.Format,
			Device:      cfg.Input.Device,
		}
	}

	out := &mixer.Device{Options: []mixer.Option{mixer.WithIdleSuspend(cfg.IdleSuspend)}}
	if cfg.Output.Kind != config.OutputDiscard {
		binary := cfg.Output.Binary
		out.NewSink = func(ctx context.Context, rate int) (io.WriteCloser, error) {
			return ffmpeg.NewPlayer(ctx, binary, rate)
		}
	}
	return capDev, out
}
