package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus framing used when a client negotiates the "opus" codec: 48 kHz mono at
// 20 ms frame size. Browsers producing MediaRecorder Opus packets fit this.
const (
	// OpusSampleRate is the decode output rate. Callers resample to the
	// pipeline rate with ResampleMono16.
	OpusSampleRate = 48000

	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = OpusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder decodes a single participant's Opus packet stream to 16-bit
// PCM. Each stream needs its own decoder to keep codec state consistent
// across consecutive packets. Not safe for concurrent use.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder for one inbound stream.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(OpusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// DecodeToRate decodes one Opus packet and resamples the result to the given
// target rate so it can feed the 16 kHz transcription pipeline directly.
func (d *OpusDecoder) DecodeToRate(packet []byte, targetRate int) ([]byte, error) {
	pcm, err := d.Decode(packet)
	if err != nil {
		return nil, err
	}
	return ResampleMono16(pcm, OpusSampleRate, targetRate), nil
}
