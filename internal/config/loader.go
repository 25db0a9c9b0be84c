package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidAIProviders lists the recognised AI provider names. [Validate] warns
// about unrecognised names rather than rejecting them.
var ValidAIProviders = []string{"openai-realtime"}

// Load reads the YAML configuration file at path, applies environment
// variable overrides, fills defaults, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the environment using the `env` tags on
// the schema. Environment values win over file values.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: environment overrides: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MediaPath == "" {
		cfg.Server.MediaPath = "/media/"
	}

	if cfg.Telephony.SampleRate == 0 {
		cfg.Telephony.SampleRate = 8000
	}
	if cfg.Telephony.FrameMs == 0 {
		cfg.Telephony.FrameMs = 20
	}
	if cfg.Telephony.SendTimeout == 0 {
		cfg.Telephony.SendTimeout = Duration(2 * time.Second)
	}

	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "openai-realtime"
	}
	if cfg.AI.SampleRate == 0 {
		cfg.AI.SampleRate = 24000
	}
	if cfg.AI.ChunkMs == 0 {
		cfg.AI.ChunkMs = 100
	}

	if cfg.VAD.EnergyThreshold == 0 {
		cfg.VAD.EnergyThreshold = 0.015
	}
	if cfg.VAD.SpeechConfirm == 0 {
		cfg.VAD.SpeechConfirm = Duration(60 * time.Millisecond)
	}
	if cfg.VAD.SilenceConfirm == 0 {
		cfg.VAD.SilenceConfirm = Duration(500 * time.Millisecond)
	}
	if cfg.VAD.Smoothing == 0 {
		cfg.VAD.Smoothing = 0.4
	}

	if cfg.Limits.MaxCallDuration == 0 {
		cfg.Limits.MaxCallDuration = Duration(time.Hour)
	}
	if cfg.Limits.MediaAttachTimeout == 0 {
		cfg.Limits.MediaAttachTimeout = Duration(10 * time.Second)
	}
	if cfg.Limits.TeardownTimeout == 0 {
		cfg.Limits.TeardownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MediaPath == "" || cfg.Server.MediaPath[0] != '/' {
		errs = append(errs, fmt.Errorf("server.media_path %q must start with '/'", cfg.Server.MediaPath))
	}

	if cfg.Telephony.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d must be positive", cfg.Telephony.SampleRate))
	}
	if cfg.Telephony.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("telephony.frame_ms %d must be positive", cfg.Telephony.FrameMs))
	}

	if cfg.AI.APIKey == "" {
		errs = append(errs, errors.New("ai.api_key is required (set it in the file or via VOXGATE_AI_API_KEY)"))
	}
	if cfg.AI.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("ai.sample_rate %d must be positive", cfg.AI.SampleRate))
	}
	if td := cfg.AI.TurnDetection; td != nil {
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("ai.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.SilenceMs < 0 {
			errs = append(errs, fmt.Errorf("ai.turn_detection.silence_ms %d must not be negative", td.SilenceMs))
		}
	}
	if cfg.AI.Provider != "" && !slices.Contains(ValidAIProviders, cfg.AI.Provider) {
		slog.Warn("unknown AI provider name — may be a typo or third-party provider",
			"name", cfg.AI.Provider,
			"known", ValidAIProviders,
		)
	}

	if cfg.VAD.EnergyThreshold < 0 || cfg.VAD.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.3f is out of range [0, 1]", cfg.VAD.EnergyThreshold))
	}
	if cfg.VAD.Smoothing <= 0 || cfg.VAD.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("vad.smoothing %.2f is out of range (0, 1]", cfg.VAD.Smoothing))
	}
	if cfg.VAD.SpeechConfirm < 0 {
		errs = append(errs, fmt.Errorf("vad.speech_confirm %s must not be negative", cfg.VAD.SpeechConfirm.Std()))
	}
	if cfg.VAD.SilenceConfirm < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_confirm %s must not be negative", cfg.VAD.SilenceConfirm.Std()))
	}

	if cfg.Limits.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent_calls %d must not be negative", cfg.Limits.MaxConcurrentCalls))
	}

	if cfg.Telephony.EventsURL == "" {
		slog.Warn("telephony.events_url is empty; no call event feed will be consumed")
	}

	return errors.Join(errs...)
}
