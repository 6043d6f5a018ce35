package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/voxlate/voxlate/internal/lang"
)

// ValidProviderNames lists known provider names per pipeline stage. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "mock"},
	"mt":  {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"tts": {"coqui", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. References like ${OPENAI_API_KEY} are expanded from the
// environment before parsing, so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if l := cfg.Server.DefaultTargetLang; l != "" && !lang.Supported(l) {
		errs = append(errs, fmt.Errorf("server.default_target_lang %q is not a supported language", l))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("mt", cfg.Providers.MT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.STT.Name == "" || cfg.Providers.MT.Name == "" || cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.stt, providers.mt, and providers.tts are all required"))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SilenceGapMs < 0 || cfg.Audio.MaxSegmentMs < 0 {
		errs = append(errs, errors.New("audio silence_gap_ms and max_segment_ms must not be negative"))
	}
	if g, m := cfg.Audio.SilenceGapMs, cfg.Audio.MaxSegmentMs; g > 0 && m > 0 && g > m {
		errs = append(errs, fmt.Errorf("audio.silence_gap_ms %d exceeds audio.max_segment_ms %d", g, m))
	}

	if cfg.Pipeline.StageTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_timeout_ms %d is negative", cfg.Pipeline.StageTimeoutMs))
	}
	if cfg.Session.MaxInFlight < 0 || cfg.Session.SendBuffer < 0 {
		errs = append(errs, errors.New("session max_in_flight and send_buffer must not be negative"))
	}
	if cfg.Rooms.IdleTimeoutSec < 0 || cfg.Rooms.SweepIntervalSec < 0 {
		errs = append(errs, errors.New("rooms idle_timeout_sec and sweep_interval_sec must not be negative"))
	}

	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
