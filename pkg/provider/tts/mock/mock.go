// Package mock provides an in-memory tts.Provider for tests and local
// development without a synthesis backend.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/voxlate/voxlate/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider is a fake TTS backend. The zero value returns the input text as
// PCM bytes, which lets tests assert on what reached synthesis. Safe for
// concurrent use.
type Provider struct {
	mu sync.Mutex

	// SynthesizeFunc, when non-nil, replaces the canned behaviour entirely.
	SynthesizeFunc func(ctx context.Context, text, lang string) (tts.Clip, error)

	calls int
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "mock" }

// Calls reports how many times Synthesize has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, lang string) (tts.Clip, error) {
	p.mu.Lock()
	p.calls++
	fn := p.SynthesizeFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, lang)
	}
	if strings.TrimSpace(text) == "" {
		return tts.Clip{}, tts.ErrEmptyText
	}
	return tts.Clip{
		PCM:        []byte(text),
		SampleRate: 22050,
		Channels:   1,
	}, nil
}
