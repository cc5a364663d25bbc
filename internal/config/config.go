// Package config provides the configuration schema, loader, and provider
// registry for the meetrec recording service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/audio/mixer"
)

// LogLevel controls log verbosity for the meetrec server.
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

// Level converts l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CaptureKind selects the implementation behind a capture source.
type CaptureKind string

const (
	// CaptureNone leaves the source unconfigured. Only valid for the
	// secondary source; sessions then record the primary source alone.
	CaptureNone CaptureKind = "none"

	// CaptureFile replays a WAV file in real time.
	CaptureFile CaptureKind = "file"

	// CaptureTone generates a sine wave.
	CaptureTone CaptureKind = "tone"

	// CaptureDiscord records a Discord voice channel.
	CaptureDiscord CaptureKind = "discord"
)

// IsValid reports whether k is a recognised capture kind.
func (k CaptureKind) IsValid() bool {
	switch k {
	case CaptureNone, CaptureFile, CaptureTone, CaptureDiscord:
		return true
	}
	return false
}

const (
	// MaxTimeLimit is the recording ceiling in seconds.
	MaxTimeLimit = 1200

	// ExtendedTimeLimit is the ceiling in seconds when the limit is removed.
	ExtendedTimeLimit = 10800
)

// Config is the root configuration structure for meetrec.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Recording RecordingConfig `yaml:"recording"`
	Capture   CaptureConfig   `yaml:"capture"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists extra host patterns (e.g. "chrome-extension://*")
	// that may open event streams from a different origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RecordingConfig holds the defaults every new session starts from. Sessions
// may override the encoding fields individually.
type RecordingConfig struct {
	// Format is the artifact container: "wav" or "mp3".
	Format string `yaml:"format"`

	// TimeLimit is the recording ceiling in seconds. It is capped at
	// [MaxTimeLimit], or [ExtendedTimeLimit] when LimitRemoved is set.
	TimeLimit int `yaml:"time_limit"`

	// LimitRemoved raises the ceiling to [ExtendedTimeLimit].
	LimitRemoved bool `yaml:"limit_removed"`

	// EncodeAfterRecord buffers PCM and encodes on finish. Default true.
	EncodeAfterRecord *bool `yaml:"encode_after_record"`

	// ProgressInterval is the encoded audio between progress events, in ms.
	ProgressInterval int `yaml:"progress_interval"`

	// BitRate is the mp3 bit rate in kbit/s.
	BitRate int `yaml:"bit_rate"`

	// BufferSize is the frame length in samples per channel. Zero selects the
	// platform default.
	BufferSize int `yaml:"buffer_size"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Gains in [0, 1]. Nil selects the default balance.
	PrimaryGain   *float64 `yaml:"primary_gain"`
	SecondaryGain *float64 `yaml:"secondary_gain"`

	// MonitorGain routes the primary source to the local monitor tap. Zero
	// disables the tap.
	MonitorGain float64 `yaml:"monitor_gain"`
}

// CaptureConfig declares where the two sources come from.
type CaptureConfig struct {
	Primary   SourceConfig  `yaml:"primary"`
	Secondary SourceConfig  `yaml:"secondary"`
	Discord   DiscordConfig `yaml:"discord"`
}

// SourceConfig selects and parameterises one capture source.
type SourceConfig struct {
	// Kind selects the implementation registered in the [Registry].
	Kind CaptureKind `yaml:"kind"`

	// Path is the WAV file replayed by the "file" kind.
	Path string `yaml:"path"`

	// Loop restarts the file at its end instead of ending the source.
	Loop bool `yaml:"loop"`

	// Frequency and Amplitude parameterise the "tone" kind.
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
}

// DiscordConfig holds the bot credentials and the voice channel recorded by
// the "discord" capture kind.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// StoreConfig selects the artifact store.
type StoreConfig struct {
	// PostgresDSN selects the PostgreSQL store. Empty keeps artifacts in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ProvidersConfig declares the transcription and minutes providers. Each
// Name is looked up in the [Registry]; an empty Name disables the feature.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "whisper-1").
	Model string `yaml:"model"`

	// Language is the ISO-639-1 hint passed to transcription providers.
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ─── Derived values ───────────────────────────────────────────────────────────

// EffectiveTimeLimit returns the recording ceiling after applying the
// 1200 s cap, or the 10800 s cap when the limit is removed. A zero or
// negative TimeLimit selects the cap itself.
func (r RecordingConfig) EffectiveTimeLimit() time.Duration {
	ceiling := r.Ceiling()
	d := time.Duration(r.TimeLimit) * time.Second
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// Ceiling returns the hard cap on any recording of this configuration.
func (r RecordingConfig) Ceiling() time.Duration {
	if r.LimitRemoved {
		return ExtendedTimeLimit * time.Second
	}
	return MaxTimeLimit * time.Second
}

// EncoderOptions converts the recording defaults into encoder options.
func (r RecordingConfig) EncoderOptions() (encoder.Options, error) {
	opts := encoder.DefaultOptions()
	if r.Format != "" {
		f, err := encoder.ParseFormat(r.Format)
		if err != nil {
			return encoder.Options{}, err
		}
		opts.Format = f
	}
	opts.TimeLimit = r.EffectiveTimeLimit()
	if r.ProgressInterval > 0 {
		opts.ProgressInterval = time.Duration(r.ProgressInterval) * time.Millisecond
	}
	if r.BitRate > 0 {
		opts.BitRate = r.BitRate
	}
	if r.EncodeAfterRecord != nil {
		opts.EncodeAfterRecord = *r.EncodeAfterRecord
	}
	return opts, opts.Validate()
}

// Gains returns the mixer gains, falling back to the defaults for unset
// values.
func (r RecordingConfig) Gains() mixer.Gains {
	g := mixer.DefaultGains()
	if r.PrimaryGain != nil {
		g.Primary = *r.PrimaryGain
	}
	if r.SecondaryGain != nil {
		g.Secondary = *r.SecondaryGain
	}
	return g
}

// MixFormat returns the sample rate and channel count of the mix.
func (r RecordingConfig) MixFormat() audio.Format {
	f := mixer.DefaultFormat
	if r.SampleRate > 0 {
		f.SampleRate = r.SampleRate
	}
	if r.Channels > 0 {
		f.Channels = r.Channels
	}
	return f
}
