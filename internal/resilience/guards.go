package resilience

import (
	"context"

	"github.com/voxlate/voxlate/pkg/audio"
	"github.com/voxlate/voxlate/pkg/provider/mt"
	"github.com/voxlate/voxlate/pkg/provider/stt"
	"github.com/voxlate/voxlate/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ stt.Provider = (*GuardedSTT)(nil)
	_ mt.Provider  = (*GuardedMT)(nil)
	_ tts.Provider = (*GuardedTTS)(nil)
)

// GuardedSTT wraps an stt.Provider with a circuit breaker. When the breaker
// is open Transcribe fails fast with ErrCircuitOpen.
type GuardedSTT struct {
	inner   stt.Provider
	breaker *CircuitBreaker
}

// GuardSTT wraps p with a breaker configured from cfg. An empty cfg.Name is
// replaced with the provider name.
func GuardSTT(p stt.Provider, cfg CircuitBreakerConfig) *GuardedSTT {
	if cfg.Name == "" {
		cfg.Name = "stt/" + p.Name()
	}
	return &GuardedSTT{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Name implements stt.Provider.
func (g *GuardedSTT) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedSTT) Breaker() *CircuitBreaker { return g.breaker }

// Transcribe implements stt.Provider.
func (g *GuardedSTT) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	var tr stt.Transcript
	err := g.breaker.Execute(func() error {
		var innerErr error
		tr, innerErr = g.inner.Transcribe(ctx, seg)
		return innerErr
	})
	return tr, err
}

// GuardedMT wraps an mt.Provider with a circuit breaker.
type GuardedMT struct {
	inner   mt.Provider
	breaker *CircuitBreaker
}

// GuardMT wraps p with a breaker configured from cfg.
func GuardMT(p mt.Provider, cfg CircuitBreakerConfig) *GuardedMT {
	if cfg.Name == "" {
		cfg.Name = "mt/" + p.Name()
	}
	return &GuardedMT{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Name implements mt.Provider.
func (g *GuardedMT) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedMT) Breaker() *CircuitBreaker { return g.breaker }

// Translate implements mt.Provider.
func (g *GuardedMT) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	var out string
	err := g.breaker.Execute(func() error {
		var innerErr error
		out, innerErr = g.inner.Translate(ctx, text, sourceLang, targetLang)
		return innerErr
	})
	return out, err
}

// GuardedTTS wraps a tts.Provider with a circuit breaker.
type GuardedTTS struct {
	inner   tts.Provider
	breaker *CircuitBreaker
}

// GuardTTS wraps p with a breaker configured from cfg.
func GuardTTS(p tts.Provider, cfg CircuitBreakerConfig) *GuardedTTS {
	if cfg.Name == "" {
		cfg.Name = "tts/" + p.Name()
	}
	return &GuardedTTS{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Name implements tts.Provider.
func (g *GuardedTTS) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedTTS) Breaker() *CircuitBreaker { return g.breaker }

// Synthesize implements tts.Provider.
func (g *GuardedTTS) Synthesize(ctx context.Context, text, lang string) (tts.Clip, error) {
	var clip tts.Clip
	err := g.breaker.Execute(func() error {
		var innerErr error
		clip, innerErr = g.inner.Synthesize(ctx, text, lang)
		return innerErr
	})
	return clip, err
}
