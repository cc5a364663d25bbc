package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper", "whisper-native"},
}

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8080"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
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

// ApplyDefaults fills unset fields that have a single sensible default.
// Recording defaults that depend on other packages are resolved later by
// [RecordingConfig.EncoderOptions], [RecordingConfig.Gains] and
// [RecordingConfig.MixFormat].
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recording.Format == "" {
		cfg.Recording.Format = "wav"
	}
	if cfg.Capture.Primary.Kind == "" {
		cfg.Capture.Primary.Kind = CaptureTone
	}
	if cfg.Capture.Secondary.Kind == "" {
		cfg.Capture.Secondary.Kind = CaptureNone
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Recording
	rec := cfg.Recording
	if _, err := rec.EncoderOptions(); err != nil {
		errs = append(errs, fmt.Errorf("recording: %w", err))
	}
	if rec.TimeLimit < 0 {
		errs = append(errs, fmt.Errorf("recording.time_limit %d must not be negative", rec.TimeLimit))
	}
	if ceiling := ceilingFor(rec); rec.TimeLimit > ceiling {
		slog.Warn("recording.time_limit exceeds the ceiling; it will be capped",
			"time_limit", rec.TimeLimit,
			"ceiling", ceiling,
			"limit_removed", rec.LimitRemoved,
		)
	}
	if rec.ProgressInterval < 0 {
		errs = append(errs, fmt.Errorf("recording.progress_interval %d must not be negative", rec.ProgressInterval))
	}
	if n := rec.BufferSize; n != 0 && (n < 256 || n > 16384 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("recording.buffer_size %d must be 0 or a power of two in [256, 16384]", n))
	}
	if rec.SampleRate < 0 || rec.Channels < 0 {
		errs = append(errs, errors.New("recording.sample_rate and recording.channels must not be negative"))
	}
	if rec.Channels > 2 {
		errs = append(errs, fmt.Errorf("recording.channels %d is unsupported; use 1 or 2", rec.Channels))
	}
	if err := rec.Gains().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recording: %w", err))
	}
	if rec.MonitorGain < 0 || rec.MonitorGain > 1 {
		errs = append(errs, fmt.Errorf("recording.monitor_gain %v is out of range [0, 1]", rec.MonitorGain))
	}

	// Capture
	errs = append(errs, validateSource("capture.primary", cfg.Capture.Primary, cfg.Capture.Discord)...)
	errs = append(errs, validateSource("capture.secondary", cfg.Capture.Secondary, cfg.Capture.Discord)...)
	if cfg.Capture.Primary.Kind == CaptureNone {
		errs = append(errs, errors.New("capture.primary.kind must not be none"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	if cfg.Providers.LLM.Name != "" && cfg.Providers.STT.Name == "" {
		slog.Warn("providers.llm is configured without providers.stt; minutes need a transcript")
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; artifacts are kept in memory")
	}

	return errors.Join(errs...)
}

func ceilingFor(r RecordingConfig) int {
	if r.LimitRemoved {
		return ExtendedTimeLimit
	}
	return MaxTimeLimit
}

func validateSource(prefix string, src SourceConfig, dc DiscordConfig) []error {
	var errs []error
	if src.Kind != "" && !src.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: none, file, tone, discord", prefix, src.Kind))
	}
	switch src.Kind {
	case CaptureFile:
		if src.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required when kind is file", prefix))
		}
	case CaptureTone:
		if src.Amplitude < 0 || src.Amplitude > 1 {
			errs = append(errs, fmt.Errorf("%s.amplitude %v is out of range [0, 1]", prefix, src.Amplitude))
		}
		if src.Frequency < 0 {
			errs = append(errs, fmt.Errorf("%s.frequency %v must not be negative", prefix, src.Frequency))
		}
	case CaptureDiscord:
		if dc.Token == "" || dc.GuildID == "" || dc.ChannelID == "" {
			errs = append(errs, fmt.Errorf("%s: kind discord requires capture.discord.token, guild_id and channel_id", prefix))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
