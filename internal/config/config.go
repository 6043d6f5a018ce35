// Package config provides the configuration schema, loader, and provider
// registry for the voxlate translation server.
package config

// LogLevel controls log verbosity for the server.
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

// Config is the root configuration structure for voxlate. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Audio      AudioConfig      `yaml:"audio"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DefaultTargetLang is the target language assumed when a client joins
	// without one. Defaults to "es".
	DefaultTargetLang string `yaml:"default_target_lang"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	MT  ProviderEntry `yaml:"mt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper",
	// "openai", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For self-hosted
	// providers (whisper.cpp server, Coqui) this is the server address.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// or a whisper model file path for the native binding).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// StringOption returns the named option as a string, or "" when absent or not
// a string.
func (e ProviderEntry) StringOption(name string) string {
	s, _ := e.Options[name].(string)
	return s
}

// AudioConfig tunes inbound stream segmentation.
type AudioConfig struct {
	// SampleRate is the PCM rate the pipeline operates at. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// RMSThreshold separates speech from silence in 16-bit PCM units.
	RMSThreshold float64 `yaml:"rms_threshold"`

	// SilenceGapMs is the pause length that ends a segment.
	SilenceGapMs int `yaml:"silence_gap_ms"`

	// MaxSegmentMs caps segment duration regardless of pauses.
	MaxSegmentMs int `yaml:"max_segment_ms"`
}

// PipelineConfig tunes the translation cascade.
type PipelineConfig struct {
	// StageTimeoutMs bounds each inference call.
	StageTimeoutMs int `yaml:"stage_timeout_ms"`

	// MinTranscriptChars is the shortest transcript worth translating.
	MinTranscriptChars int `yaml:"min_transcript_chars"`

	// Echo sends speakers their own translations. Off by default.
	Echo bool `yaml:"echo"`
}

// RoomsConfig tunes room lifecycle.
type RoomsConfig struct {
	// IdleTimeoutSec is how long an empty room survives before being reaped.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`

	// SweepIntervalSec is how often the reaper scans.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// SessionConfig tunes per-connection behaviour.
type SessionConfig struct {
	// MaxInFlight caps concurrently processing segments per speaker.
	MaxInFlight int `yaml:"max_in_flight"`

	// SendBuffer is the outbound frame queue depth per connection.
	SendBuffer int `yaml:"send_buffer"`

	// WriteTimeoutMs bounds each outbound frame write.
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

// ResilienceConfig tunes the circuit breakers wrapped around providers.
type ResilienceConfig struct {
	// MaxFailures opens a breaker after this many consecutive failures.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeoutSec is how long an open breaker waits before probing.
	ResetTimeoutSec int `yaml:"reset_timeout_sec"`

	// HalfOpenMax is how many probe requests a half-open breaker admits.
	HalfOpenMax int `yaml:"half_open_max"`
}
