// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (a local whisper.cpp server,
// the in-process whisper bindings, or a hosted API) and exposes a uniform
// batch interface: one bounded speech segment in, one Transcript out. The
// segmenter upstream guarantees segments are short, so providers do not need
// to stream.
//
// Implementations must be safe for concurrent use; the pipeline transcribes
// segments from many participants at once.
package stt

import (
	"context"
	"errors"

	"github.com/voxlate/voxlate/pkg/audio"
)

// ErrEmptyAudio is returned when a segment carries no PCM data.
var ErrEmptyAudio = errors.New("stt: segment contains no audio")

// Transcript is the recognition result for one speech segment.
type Transcript struct {
	// Text is the transcribed utterance, whitespace-trimmed. May be empty when
	// the engine recognised nothing.
	Text string

	// Language is the ISO 639-1 code of the detected or configured source
	// language.
	Language string

	// Confidence is the engine's confidence in [0, 1], or 0 when the engine
	// does not report one.
	Confidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one speech segment to text. Returns ErrEmptyAudio
	// for segments without PCM data. An empty Transcript.Text with a nil error
	// means the engine processed the audio but heard nothing intelligible.
	Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error)

	// Name identifies the backend in logs and metrics, e.g. "whisper".
	Name() string
}
