// Package mock provides an in-memory mt.Provider for tests and local
// development without an LLM backend.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxlate/voxlate/pkg/provider/mt"
)

// Compile-time assertion that Provider implements mt.Provider.
var _ mt.Provider = (*Provider)(nil)

// Provider is a fake translation backend. The zero value tags the input text
// with the target language, which makes translated output recognisable in
// tests. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// TranslateFunc, when non-nil, replaces the canned behaviour entirely.
	TranslateFunc func(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	calls int
}

// Name implements mt.Provider.
func (p *Provider) Name() string { return "mock" }

// Calls reports how many times Translate has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Translate implements mt.Provider.
func (p *Provider) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	p.mu.Lock()
	p.calls++
	fn := p.TranslateFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, sourceLang, targetLang)
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}
