// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one translated utterance into a PCM clip. The session
// layer decides the wire format (currently WAV) when it delivers the clip to
// listeners, so providers return raw samples plus their format rather than a
// container file.
//
// Implementations must be safe for concurrent use; the pipeline synthesises
// one clip per target language in parallel.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when there is nothing to synthesise.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Clip is one synthesised utterance as raw 16-bit little-endian PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text in the given language (ISO 639-1 code) to
	// speech. Returns ErrEmptyText when text is empty or whitespace.
	Synthesize(ctx context.Context, text, lang string) (Clip, error)

	// Name identifies the backend in logs and metrics, e.g. "coqui".
	Name() string
}
