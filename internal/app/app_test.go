package app

import (
	"context"
	"testing"
	"time"

	"github.com/voxlate/voxlate/internal/config"
	mtmock "github.com/voxlate/voxlate/pkg/provider/mt/mock"
	sttmock "github.com/voxlate/voxlate/pkg/provider/stt/mock"
	ttsmock "github.com/voxlate/voxlate/pkg/provider/tts/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "mock"},
			MT:  config.ProviderEntry{Name: "mock"},
			TTS: config.ProviderEntry{Name: "mock"},
		},
	}
}

func mockProviders() Providers {
	return Providers{
		STT: &sttmock.Provider{Text: "hi"},
		MT:  &mtmock.Provider{},
		TTS: &ttsmock.Provider{},
	}
}

func TestNew_RequiresAllProviders(t *testing.T) {
	p := mockProviders()
	p.TTS = nil
	if _, err := New(testConfig(), p); err == nil {
		t.Fatal("expected an error with a missing provider")
	}
}

func TestNew_WiresSubsystems(t *testing.T) {
	a, err := New(testConfig(), mockProviders(), WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.rooms == nil || a.pipe == nil || a.httpServer == nil {
		t.Error("subsystems not wired")
	}
	if a.version != "test" {
		t.Errorf("version = %q", a.version)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, err := New(testConfig(), mockProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
