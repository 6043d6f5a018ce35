// Package audio provides the PCM primitives shared by the Voxlate pipeline:
// the Segment type that flows from a connection into inference, the Segmenter
// that cuts a continuous byte stream into inference-ready segments, and
// helpers for RMS energy, WAV encoding, and optional Opus transcoding.
package audio

import "time"

// Segment is a bounded unit of buffered audio from a single participant,
// ready for speech-to-text inference. A Segment is immutable once produced
// by the Segmenter; the pipeline must not modify PCM in place.
type Segment struct {
	// ParticipantID identifies the speaker this audio came from.
	ParticipantID string

	// Seq is the per-participant sequence number, assigned monotonically at
	// flush time. Delivery ordering guarantees are expressed in terms of Seq.
	Seq uint64

	// PCM is 16-bit signed little-endian audio data.
	PCM []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Duration is the playback length of PCM.
	Duration time.Duration
}
