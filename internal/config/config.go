// Package config provides the configuration schema and loader for the
// Voxgate telephony bridge.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Voxgate server.
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

// Duration is a time.Duration that unmarshals from YAML strings such as
// "500ms" or "2m" and from environment variables via the same syntax.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Fields carrying an `env` tag may be overridden via environment variables
// after the file is parsed; see [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	AI        AIConfig        `yaml:"ai"`
	VAD       VADConfig       `yaml:"vad"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ServerConfig holds network and logging settings for the Voxgate server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"VOXGATE_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"VOXGATE_LOG_LEVEL"`

	// MediaPath is the URL path prefix under which the telephony platform
	// attaches per-call media WebSockets (e.g., "/media/"). The call ID is
	// the final path segment.
	MediaPath string `yaml:"media_path"`
}

// TelephonyConfig describes the telephony platform side of the bridge.
type TelephonyConfig struct {
	// EventsURL is the WebSocket endpoint of the platform's call event feed
	// (e.g., "wss://pbx.internal:8089/events"). Leave empty to run without a
	// feed; calls can then only be created through the admin API.
	EventsURL string `yaml:"events_url" env:"VOXGATE_EVENTS_URL"`

	// SampleRate is the PCM sample rate of caller audio in Hz. Default: 8000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the duration of a single caller media frame in milliseconds.
	// Default: 20.
	FrameMs int `yaml:"frame_ms"`

	// SendTimeout bounds each outbound media write. Default: 2s.
	SendTimeout Duration `yaml:"send_timeout"`
}

// AIConfig configures the speech-to-speech AI provider.
type AIConfig struct {
	// Provider selects the AI backend. Currently "openai-realtime".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key" env:"VOXGATE_AI_API_KEY"`

	// BaseURL overrides the provider's default endpoint. Leave empty to use
	// the provider's built-in default.
	BaseURL string `yaml:"base_url" env:"VOXGATE_AI_BASE_URL"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider voice identifier used for synthesis.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt establishing the agent's persona.
	Instructions string `yaml:"instructions"`

	// Language is an optional BCP-47 hint for transcription (e.g., "en-US").
	Language string `yaml:"language"`

	// SampleRate is the PCM sample rate the provider consumes and produces,
	// in Hz. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkMs batches caller audio into chunks of this duration before
	// sending upstream. Default: 100.
	ChunkMs int `yaml:"chunk_ms"`

	// TurnDetection tunes the provider-side end-of-utterance detector.
	// When nil the provider defaults apply.
	TurnDetection *TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig tunes provider-side voice activity detection.
type TurnDetectionConfig struct {
	// Threshold is the activation threshold in [0, 1].
	Threshold float64 `yaml:"threshold"`

	// SilenceMs is the silence duration that ends a turn.
	SilenceMs int `yaml:"silence_ms"`

	// PrefixPaddingMs is audio included before detected speech.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`
}

// VADConfig tunes the local caller-side voice activity detector that drives
// barge-in.
type VADConfig struct {
	// EnergyThreshold is the normalised RMS energy above which a frame counts
	// as speech, in [0, 1]. Default: 0.015.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// SpeechConfirm is how long energy must stay above the threshold before
	// speech onset is reported. Default: 60ms.
	SpeechConfirm Duration `yaml:"speech_confirm"`

	// SilenceConfirm is how long energy must stay below the threshold before
	// speech end is reported. Default: 500ms.
	SilenceConfirm Duration `yaml:"silence_confirm"`

	// Smoothing is the EWMA coefficient applied to frame energy, in (0, 1].
	// 1 disables smoothing. Default: 0.4.
	Smoothing float64 `yaml:"smoothing"`
}

// LimitsConfig bounds per-call resource usage.
type LimitsConfig struct {
	// MaxCallDuration force-terminates calls that exceed it. Zero disables
	// the cap. Default: 1h.
	MaxCallDuration Duration `yaml:"max_call_duration"`

	// MediaAttachTimeout is how long a new call waits for the platform to
	// attach its media stream before the call is abandoned. Default: 10s.
	MediaAttachTimeout Duration `yaml:"media_attach_timeout"`

	// TeardownTimeout bounds the graceful teardown of a single call.
	// Default: 5s.
	TeardownTimeout Duration `yaml:"teardown_timeout"`

	// MaxConcurrentCalls rejects new calls beyond this count. Zero disables
	// the cap.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}
