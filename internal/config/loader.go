package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. Unknown YAML keys are rejected.
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

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Conversation.Mode == "" {
		cfg.Conversation.Mode = ModeStreaming
	}
	if cfg.Conversation.Language == "" {
		cfg.Conversation.Language = "en"
	}
	if cfg.Conversation.WarmupDelay == 0 {
		cfg.Conversation.WarmupDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Conversation.GraceDelay == 0 {
		cfg.Conversation.GraceDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.Session.HandshakeTimeout == 0 {
		cfg.Session.HandshakeTimeout = Duration(10 * time.Second)
	}
	if cfg.Session.ReconnectDelay == 0 {
		cfg.Session.ReconnectDelay = Duration(2 * time.Second)
	}
	if cfg.Session.MaxReconnectAttempts == 0 {
		cfg.Session.MaxReconnectAttempts = 5
	}
	if cfg.Pipeline.WireRate == 0 {
		cfg.Pipeline.WireRate = 16000
	}
	if cfg.Pipeline.ChunkInterval == 0 {
		cfg.Pipeline.ChunkInterval = Duration(100 * time.Millisecond)
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = Duration(30 * time.Second)
	}
	if cfg.Devices.Capture.Name == "" {
		cfg.Devices.Capture.Name = "tone"
	}
	if cfg.Devices.Output.Name == "" {
		cfg.Devices.Output.Name = "null"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Conversation.Mode != "" && !cfg.Conversation.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.mode %q is invalid; valid values: streaming, webhook", cfg.Conversation.Mode))
	}
	if cfg.Conversation.MaxDuration < 0 {
		errs = append(errs, errors.New("conversation.max_duration must not be negative"))
	}

	switch cfg.Conversation.Mode {
	case ModeStreaming:
		if cfg.Session.URL == "" {
			errs = append(errs, errors.New("session.url is required in streaming mode"))
		}
	case ModeWebhook:
		if cfg.Webhook.URL == "" {
			errs = append(errs, errors.New("webhook.url is required in webhook mode"))
		}
	}

	if cfg.Session.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("session.max_reconnect_attempts must not be negative"))
	}

	if cfg.VAD.Metric != "" && !cfg.VAD.Metric.IsValid() {
		errs = append(errs, fmt.Errorf("vad.metric %q is invalid; valid values: rms, speech_band", cfg.VAD.Metric))
	}
	if cfg.VAD.Threshold != "" && !cfg.VAD.Threshold.IsValid() {
		errs = append(errs, fmt.Errorf("vad.threshold %q is invalid; valid values: fixed, adaptive", cfg.VAD.Threshold))
	}
	if cfg.VAD.StartLevel != 0 && cfg.VAD.StopLevel != 0 && cfg.VAD.StopLevel >= cfg.VAD.StartLevel {
		errs = append(errs, fmt.Errorf("vad.stop_level %g must be below vad.start_level %g for hysteresis", cfg.VAD.StopLevel, cfg.VAD.StartLevel))
	}
	if cfg.VAD.StartFactor != 0 && cfg.VAD.StopFactor != 0 && cfg.VAD.StopFactor >= cfg.VAD.StartFactor {
		errs = append(errs, fmt.Errorf("vad.stop_factor %g must be below vad.start_factor %g for hysteresis", cfg.VAD.StopFactor, cfg.VAD.StartFactor))
	}

	if cfg.Pipeline.WireRate < 8000 {
		errs = append(errs, fmt.Errorf("pipeline.wire_rate %d is below 8000 Hz", cfg.Pipeline.WireRate))
	}
	if ci := cfg.Pipeline.ChunkInterval.Std(); ci < 10*time.Millisecond || ci > time.Second {
		errs = append(errs, fmt.Errorf("pipeline.chunk_interval %s is outside [10ms, 1s]", ci))
	}

	if cfg.Webhook.BreakerMaxFailures < 0 {
		errs = append(errs, errors.New("webhook.breaker_max_failures must not be negative"))
	}

	return errors.Join(errs...)
}
