package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxlate/voxlate/pkg/provider/stt"
	sttmock "github.com/voxlate/voxlate/pkg/provider/stt/mock"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  default_target_lang: fr
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
  mt:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  tts:
    name: coqui
    base_url: http://localhost:5002
    options:
      api_mode: standard
audio:
  sample_rate: 16000
  rms_threshold: 300
  silence_gap_ms: 500
  max_segment_ms: 3000
pipeline:
  stage_timeout_ms: 15000
  min_transcript_chars: 2
  echo: false
rooms:
  idle_timeout_sec: 300
  sweep_interval_sec: 30
session:
  max_in_flight: 4
  send_buffer: 64
  write_timeout_ms: 5000
resilience:
  max_failures: 5
  reset_timeout_sec: 30
  half_open_max: 3
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.DefaultTargetLang != "fr" {
		t.Errorf("default_target_lang = %q", cfg.Server.DefaultTargetLang)
	}
	if cfg.Providers.MT.Name != "openai" || cfg.Providers.MT.Model != "gpt-4o-mini" {
		t.Errorf("mt entry = %+v", cfg.Providers.MT)
	}
	if got := cfg.Providers.TTS.StringOption("api_mode"); got != "standard" {
		t.Errorf("tts api_mode option = %q", got)
	}
	if cfg.Audio.SilenceGapMs != 500 || cfg.Audio.MaxSegmentMs != 3000 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
}

func TestLoad_ExpandsEnvironmentReferences(t *testing.T) {
	t.Setenv("VOXLATE_TEST_KEY", "sk-expanded")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := strings.Replace(validYAML, "api_key: sk-test", "api_key: ${VOXLATE_TEST_KEY}", 1)
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.MT.APIKey != "sk-expanded" {
		t.Errorf("api_key = %q, want the expanded value", cfg.Providers.MT.APIKey)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  listne_addr: ":8080"
`))
	if err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			LogLevel:          "loud",
			DefaultTargetLang: "zz",
			TLS:               &TLSConfig{CertFile: "cert.pem"},
		},
		Audio: AudioConfig{SilenceGapMs: 5000, MaxSegmentMs: 3000},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"server.default_target_lang",
		"providers.stt",
		"silence_gap_ms",
		"cert_file and key_file",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestValidate_MinimalConfigPasses(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "mock"},
			MT:  ProviderEntry{Name: "mock"},
			TTS: ProviderEntry{Name: "mock"},
		},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRegistry_CreateRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterSTT("mock", func(ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Text: "hi"}, nil
	})

	p, err := reg.CreateSTT(ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("provider name = %q", p.Name())
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.CreateSTT(ProviderEntry{Name: "nope"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("stt err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateMT(ProviderEntry{Name: "nope"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("mt err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateTTS(ProviderEntry{Name: "nope"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("tts err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterSTT("mock", func(ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Text: "first"}, nil
	})
	reg.RegisterSTT("mock", func(ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Text: "second"}, nil
	})

	p, err := reg.CreateSTT(ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	mp := p.(*sttmock.Provider)
	if mp.Text != "second" {
		t.Errorf("Text = %q, want the later registration", mp.Text)
	}
}
