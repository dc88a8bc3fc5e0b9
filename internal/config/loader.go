package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livevox/pkg/transport"
)

// ValidTransportNames lists the transports the binary registers. Used by
// [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini-live", "gemini-genai", "openai-realtime"}

// DefaultAPIKeyEnv returns the environment variable holding the key for the
// named transport.
func DefaultAPIKeyEnv(name string) string {
	if name == "openai-realtime" {
		return "OPENAI_API_KEY"
	}
	return "GEMINI_API_KEY"
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty API keys of the primary and fallback transports from
// the environment, using getenv (normally os.Getenv).
func ApplyEnv(cfg *Config, getenv func(string) string) {
	fill := func(e *TransportEntry) {
		if e.APIKey != "" {
			return
		}
		name := e.APIKeyEnv
		if name == "" {
			name = DefaultAPIKeyEnv(e.Name)
		}
		e.APIKey = getenv(name)
	}
	fill(&cfg.Transport.TransportEntry)
	for i := range cfg.Transport.Fallbacks {
		fill(&cfg.Transport.Fallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.UIPollInterval < 0 {
		errs = append(errs, fmt.Errorf("server.ui_poll_interval must not be negative"))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	validateTransportName(cfg.Transport.Name)
	key := func(e TransportEntry) string { return e.Name + "|" + e.BaseURL + "|" + e.Model }
	seen := map[string]string{key(cfg.Transport.TransportEntry): "transport"}
	for i, fb := range cfg.Transport.Fallbacks {
		prefix := fmt.Sprintf("transport.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateTransportName(fb.Name)
		if prev, ok := seen[key(fb)]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s", prefix, prev))
		}
		seen[key(fb)] = prefix
	}

	// Session
	if cfg.Session.Voice != "" && !transport.Voice(cfg.Session.Voice).Valid() {
		errs = append(errs, fmt.Errorf("session.voice %q is invalid; valid values: %v", cfg.Session.Voice, transport.Voices()))
	}

	// Audio
	a := cfg.Audio
	if a.CaptureSampleRate < 0 || a.PlaybackSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if a.CaptureBlockSize < 0 {
		errs = append(errs, errors.New("audio.capture_block_size must be positive"))
	}
	if a.Input.Kind != "" && !a.Input.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("audio.input.kind %q is invalid; valid values: ffmpeg, reader", a.Input.Kind))
	}
	if a.Input.Kind == InputReader && a.Input.Path == "" {
		errs = append(errs, errors.New("audio.input.path is required when kind is reader"))
	}
	if a.Input.Channels < 0 || a.Input.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.input.channels %d is out of range [1, 2]", a.Input.Channels))
	}
	if a.Output.Kind != "" && !a.Output.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("audio.output.kind %q is invalid; valid values: ffplay, discard", a.Output.Kind))
	}
	if a.IdleSuspend < 0 {
		errs = append(errs, errors.New("audio.idle_suspend must not be negative"))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, errors.New("resilience.max_failures must not be negative"))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience.reset_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// validateTransportName logs a warning if name is non-empty and not one of
// [ValidTransportNames].
func validateTransportName(name string) {
	if name == "" || slices.Contains(ValidTransportNames, name) {
		return
	}
	slog.Warn("unknown transport name, may be a typo or third-party transport",
		"name", name,
		"known", ValidTransportNames,
	)
}
