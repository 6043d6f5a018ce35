// Package mock provides an in-memory stt.Provider for tests and local
// development without a transcription backend.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voxlate/voxlate/pkg/audio"
	"github.com/voxlate/voxlate/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider is a configurable fake STT backend. The zero value returns an
// empty transcript for every segment. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Text is returned for every segment unless TranscribeFunc is set.
	Text string

	// Language is the language reported in every transcript. Defaults to "en"
	// when empty.
	Language string

	// TranscribeFunc, when non-nil, replaces the canned behaviour entirely.
	TranscribeFunc func(ctx context.Context, seg audio.Segment) (stt.Transcript, error)

	calls atomic.Int64
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "mock" }

// Calls reports how many times Transcribe has been invoked.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	p.calls.Add(1)

	p.mu.Lock()
	fn := p.TranscribeFunc
	text, lang := p.Text, p.Language
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, seg)
	}
	if len(seg.PCM) == 0 {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	if lang == "" {
		lang = "en"
	}
	return stt.Transcript{Text: text, Language: lang, Confidence: 1}, nil
}
