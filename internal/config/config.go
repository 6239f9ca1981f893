// Package config provides the configuration schema, loader, device registry,
// and file watcher for the voicewire client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voicewire/voicewire/pkg/vad"
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

// Mode selects how captured speech reaches the agent service.
type Mode string

const (
	// ModeStreaming holds a persistent WebSocket session and streams audio
	// chunks continuously in both directions.
	ModeStreaming Mode = "streaming"

	// ModeWebhook batches each VAD-detected utterance into a WAV file and
	// posts it to an HTTP webhook, playing back the synthesized reply.
	ModeWebhook Mode = "webhook"
)

// IsValid reports whether m is a recognised conversation mode.
func (m Mode) IsValid() bool {
	return m == ModeStreaming || m == ModeWebhook
}

// Duration wraps [time.Duration] so YAML values can be written in the usual
// "250ms" / "2s" notation.
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Conversation ConversationConfig `yaml:"conversation"`
	Session      SessionConfig      `yaml:"session"`
	VAD          VADConfig          `yaml:"vad"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Devices      DevicesConfig      `yaml:"devices"`
}

// ServerConfig configures the diagnostic HTTP endpoint and logging.
type ServerConfig struct {
	// ListenAddr is the address for the /metrics, /healthz and /readyz
	// endpoints, e.g. ":9090". Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error. Default info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ConversationConfig configures the orchestrator lifecycle.
type ConversationConfig struct {
	// Mode selects streaming or webhook operation. Default streaming.
	Mode Mode `yaml:"mode"`

	// Language and UserID are carried in the session initiation message.
	Language string `yaml:"language"`
	UserID   string `yaml:"user_id"`

	// GreetingWAV is an optional path to a WAV file played before the
	// session connects. Empty skips the greeting.
	GreetingWAV string `yaml:"greeting_wav"`

	// WarmupDelay lets adaptive thresholds and jitter buffers settle between
	// the handshake completing and capture starting. Default 500ms.
	WarmupDelay Duration `yaml:"warmup_delay"`

	// GraceDelay is the pause between stopping capture and disconnecting, so
	// a trailing word is not truncated mid-stream. Default 500ms.
	GraceDelay Duration `yaml:"grace_delay"`

	// MaxDuration force-ends a conversation that runs this long (provider
	// session ceilings). Zero means no ceiling.
	MaxDuration Duration `yaml:"max_duration"`
}

// SessionConfig configures the streaming session protocol.
type SessionConfig struct {
	// URL is the WebSocket endpoint of the agent service.
	URL string `yaml:"url"`

	ConnectTimeout       Duration `yaml:"connect_timeout"`
	HandshakeTimeout     Duration `yaml:"handshake_timeout"`
	ReconnectDelay       Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
}

// VADConfig configures the voice-activity detector.
type VADConfig struct {
	// Metric is one of rms, speech_band. Default rms.
	Metric vad.Metric `yaml:"metric"`

	// Threshold is one of fixed, adaptive. Default adaptive.
	Threshold vad.ThresholdMode `yaml:"threshold"`

	StartLevel  float64 `yaml:"start_level"`
	StopLevel   float64 `yaml:"stop_level"`
	StartFactor float64 `yaml:"start_factor"`
	StopFactor  float64 `yaml:"stop_factor"`

	FrameSize Duration `yaml:"frame_size"`
	PreRoll   Duration `yaml:"pre_roll"`
	Hangover  Duration `yaml:"hangover"`
	MinSpeech Duration `yaml:"min_speech"`
	MaxSpeech Duration `yaml:"max_speech"`
	Cooldown  Duration `yaml:"cooldown"`
}

// Detector builds a [vad.Config] for the given sample rate from the YAML
// values. Zero fields keep the detector's documented defaults.
func (v VADConfig) Detector(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:  sampleRate,
		FrameSize:   v.FrameSize.Std(),
		Metric:      v.Metric,
		Threshold:   v.Threshold,
		StartLevel:  v.StartLevel,
		StopLevel:   v.StopLevel,
		StartFactor: v.StartFactor,
		StopFactor:  v.StopFactor,
		PreRoll:     v.PreRoll.Std(),
		Hangover:    v.Hangover.Std(),
		MinSpeech:   v.MinSpeech.Std(),
		MaxSpeech:   v.MaxSpeech.Std(),
		Cooldown:    v.Cooldown.Std(),
	}
}

// PipelineConfig configures the audio transcoder pipeline.
type PipelineConfig struct {
	// WireRate is the sample rate required by the agent service. Default 16000.
	WireRate int `yaml:"wire_rate"`

	// ChunkInterval is the outbound chunking period, 50–250ms. Default 100ms.
	ChunkInterval Duration `yaml:"chunk_interval"`

	CaptureBuffer   Duration `yaml:"capture_buffer"`
	PlaybackBuffer  Duration `yaml:"playback_buffer"`
	PlaybackPreroll Duration `yaml:"playback_preroll"`
}

// WebhookConfig configures batch utterance mode.
type WebhookConfig struct {
	// URL receives multipart WAV posts of completed utterances.
	URL string `yaml:"url"`

	// Timeout bounds one webhook round trip. Default 30s.
	Timeout Duration `yaml:"timeout"`

	// BreakerMaxFailures and BreakerResetTimeout tune the circuit breaker
	// protecting the endpoint. Zero keeps the breaker defaults.
	BreakerMaxFailures  int      `yaml:"breaker_max_failures"`
	BreakerResetTimeout Duration `yaml:"breaker_reset_timeout"`
}

// DeviceEntry names an audio device implementation plus free-form options
// interpreted by its factory.
type DeviceEntry struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// DevicesConfig selects the capture and output device implementations from
// the [Registry].
type DevicesConfig struct {
	Capture DeviceEntry `yaml:"capture"`
	Output  DeviceEntry `yaml:"output"`
}
