// Command voxlate is the real-time multi-party voice translation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxlate/voxlate/internal/app"
	"github.com/voxlate/voxlate/internal/config"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/pkg/provider/mt"
	"github.com/voxlate/voxlate/pkg/provider/mt/anyllm"
	mtmock "github.com/voxlate/voxlate/pkg/provider/mt/mock"
	mtopenai "github.com/voxlate/voxlate/pkg/provider/mt/openai"
	"github.com/voxlate/voxlate/pkg/provider/stt"
	sttmock "github.com/voxlate/voxlate/pkg/provider/stt/mock"
	"github.com/voxlate/voxlate/pkg/provider/stt/whisper"
	"github.com/voxlate/voxlate/pkg/provider/tts"
	"github.com/voxlate/voxlate/pkg/provider/tts/coqui"
	ttsmock "github.com/voxlate/voxlate/pkg/provider/tts/mock"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlate: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("voxlate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxlate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() {
		obsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(obsCtx); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, closeProviders, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeProviders()

	application, err := app.New(cfg, providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ---- provider wiring ----

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// STT
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.StringOption("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Text: entry.StringOption("text")}, nil
	})

	// MT. "openai" goes straight through the official client; the other
	// backends share the any-llm adapter.
	reg.RegisterMT("openai", func(entry config.ProviderEntry) (mt.Provider, error) {
		var opts []mtopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, mtopenai.WithBaseURL(entry.BaseURL))
		}
		return mtopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterMT(providerName, func(entry config.ProviderEntry) (mt.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterMT("ollama", func(entry config.ProviderEntry) (mt.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterMT("mock", func(config.ProviderEntry) (mt.Provider, error) {
		return &mtmock.Provider{}, nil
	})

	// TTS
	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if mode := entry.StringOption("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speaker := entry.StringOption("speaker"); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg. The returned close
// function releases any provider-held resources (the native whisper model).
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, func(), error) {
	var ps app.Providers
	var closers []func() error

	sttP, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return ps, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttP
	if c, ok := sttP.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}
	slog.Info("provider created", "kind", "stt", "name", sttP.Name())

	mtP, err := reg.CreateMT(cfg.Providers.MT)
	if err != nil {
		return ps, nil, fmt.Errorf("create mt provider %q: %w", cfg.Providers.MT.Name, err)
	}
	ps.MT = mtP
	slog.Info("provider created", "kind", "mt", "name", mtP.Name())

	ttsP, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return ps, nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = ttsP
	slog.Info("provider created", "kind", "tts", "name", ttsP.Name())

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}
	return ps, closeAll, nil
}

// ---- logger ----

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
