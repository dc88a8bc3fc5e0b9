// Package config provides the configuration schema, loader, and transport
// registry for the livevox voice client.
package config

import (
	"time"

	"github.com/MrWong99/livevox/pkg/transport"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// InputKind selects the microphone implementation.
type InputKind string

const (
	// InputFFmpeg captures the system microphone through ffmpeg.
	InputFFmpeg InputKind = "ffmpeg"

	// InputReader reads raw s16le PCM from a file or stdin.
	InputReader InputKind = "reader"
)

// IsValid reports whether k is a recognised input kind.
func (k InputKind) IsValid() bool {
	return k == InputFFmpeg || k == InputReader
}

// OutputKind selects the speaker implementation.
type OutputKind string

const (
	// OutputFFplay mixes in software and plays through ffplay.
	OutputFFplay OutputKind = "ffplay"

	// OutputDiscard mixes in software and drops the result.
	OutputDiscard OutputKind = "discard"
)

// IsValid reports whether k is a recognised output kind.
func (k OutputKind) IsValid() bool {
	return k == OutputFFplay || k == OutputDiscard
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the UI and metrics server (e.g.,
	// ":8080"). Empty disables the HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// UIPollInterval is the cadence of level/transcript pushes on the
	// WebSocket stream. Default: 50ms.
	UIPollInterval time.Duration `yaml:"ui_poll_interval"`
}

// TransportEntry selects one registered transport implementation.
type TransportEntry struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the remote service. Usually left empty and
	// injected from the environment by [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable [ApplyEnv] reads the key from.
	// Defaults depend on the transport, see [DefaultAPIKeyEnv].
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the service endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the remote model. Empty uses the transport's default.
	Model string `yaml:"model"`
}

// TransportConfig is the primary transport plus ordered fallbacks tried when
// connecting to the primary fails.
type TransportConfig struct {
	TransportEntry `yaml:",inline"`

	Fallbacks []TransportEntry `yaml:"fallbacks"`
}

// Entries returns the primary followed by the fallbacks.
func (t TransportConfig) Entries() []TransportEntry {
	return append([]TransportEntry{t.TransportEntry}, t.Fallbacks...)
}

// SessionConfig is what the engine sends at connect time. Changes apply to
// the next session.
type SessionConfig struct {
	// Voice is one of the prebuilt voices (Puck, Charon, Kore, Fenrir, Aoede,
	// Zephyr). Default: Zephyr.
	Voice string `yaml:"voice"`

	// SystemInstruction is the assistant's system prompt.
	SystemInstruction string `yaml:"system_instruction"`

	// WebGrounding enables the model's search tool.
	WebGrounding bool `yaml:"web_grounding"`

	// InputTranscription asks for transcripts of the user's speech.
	InputTranscription bool `yaml:"input_transcription"`

	// OutputTranscription asks for transcripts of the model's speech.
	OutputTranscription bool `yaml:"output_transcription"`

	// Greeting is sent once as a user turn after the session opens, so the
	// assistant speaks first. Empty sends nothing.
	Greeting string `yaml:"greeting"`
}

// Transport converts s to the config passed to [transport.Provider.Connect].
func (s SessionConfig) Transport() transport.Config {
	return transport.Config{
		Modalities:          []transport.Modality{transport.ModalityAudio},
		WebGrounding:        s.WebGrounding,
		Voice:               transport.Voice(s.Voice),
		SystemInstruction:   s.SystemInstruction,
		InputTranscription:  s.InputTranscription,
		OutputTranscription: s.OutputTranscription,
	}
}

// AudioConfig holds device and format settings.
type AudioConfig struct {
	// CaptureSampleRate is the microphone rate. Default: 16000.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// CaptureBlockSize is the number of samples per outbound frame.
	// Default: 4096.
	CaptureBlockSize int `yaml:"capture_block_size"`

	// PlaybackSampleRate is the output graph rate. Default: 24000.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`

	// IdleSuspend suspends the output clock after this long without
	// playback. Zero never suspends.
	IdleSuspend time.Duration `yaml:"idle_suspend"`
}

// InputConfig selects the microphone.
type InputConfig struct {
	// Kind is ffmpeg or reader. Default: ffmpeg.
	Kind InputKind `yaml:"kind"`

	// Binary overrides the ffmpeg executable.
	Binary string `yaml:"binary"`

	// Format overrides the ffmpeg input format (pulse, avfoundation, ...).
	Format string `yaml:"format"`

	// Device names the ffmpeg input device.
	Device string `yaml:"device"`

	// Path is the PCM source for the reader kind; "-" reads stdin.
	Path string `yaml:"path"`

	// SampleRate and Channels describe the reader source. They default to
	// the capture rate and mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// OutputConfig selects the speaker.
type OutputConfig struct {
	// Kind is ffplay or discard. Default: ffplay.
	Kind OutputKind `yaml:"kind"`

	// Binary overrides the ffplay executable.
	Binary string `yaml:"binary"`
}

// ArchiveConfig configures the transcript archive.
type ArchiveConfig struct {
	// PostgresDSN enables archiving when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ResilienceConfig tunes the per-transport circuit breakers.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive connect failures that open a
	// breaker. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects connects before it
	// lets one probe through. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultUIPollInterval = 50 * time.Millisecond
	DefaultTransport      = "gemini-live"
	DefaultMaxFailures    = 3
	DefaultResetTimeout   = 30 * time.Second
)

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.UIPollInterval == 0 {
		cfg.Server.UIPollInterval = DefaultUIPollInterval
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = string(transport.DefaultVoice)
	}
	if cfg.Audio.CaptureSampleRate == 0 {
		cfg.Audio.CaptureSampleRate = 16000
	}
	if cfg.Audio.CaptureBlockSize == 0 {
		cfg.Audio.CaptureBlockSize = 4096
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = 24000
	}
	if cfg.Audio.Input.Kind == "" {
		cfg.Audio.Input.Kind = InputFFmpeg
	}
	if cfg.Audio.Output.Kind == "" {
		cfg.Audio.Output.Kind = OutputFFplay
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
