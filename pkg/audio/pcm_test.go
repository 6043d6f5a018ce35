package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/voxlate/voxlate/pkg/audio"
)

// pcmChunk returns n samples of 16-bit mono PCM at constant amplitude.
func pcmChunk(n int, amplitude int16) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amplitude))
	}
	return b
}

func TestComputeRMS(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"single byte", []byte{0x01}, 0},
		{"silence", pcmChunk(160, 0), 0},
		{"constant amplitude", pcmChunk(160, 1000), 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.ComputeRMS(tt.pcm)
			if math.Abs(got-tt.want) > 0.5 {
				t.Errorf("ComputeRMS = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestDurationOf(t *testing.T) {
	// 16 kHz mono 16-bit: 32 000 bytes per second.
	pcm := make([]byte, 32000)
	if got := audio.DurationOf(pcm, 16000, 1); got != time.Second {
		t.Errorf("DurationOf = %v, want 1s", got)
	}
	if got := audio.DurationOf(pcm, 0, 1); got != 0 {
		t.Errorf("DurationOf with zero rate = %v, want 0", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := pcmChunk(100, 42)
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	// Stereo frame with L=16384, R=-16384 should down-mix to ~0.
	stereo := make([]byte, 4)
	left := int16(16384)
	right := int16(-16384)
	binary.LittleEndian.PutUint16(stereo[0:], uint16(left))
	binary.LittleEndian.PutUint16(stereo[2:], uint16(right))

	mono := audio.PCMToFloat32Mono(stereo, 2)
	if len(mono) != 1 {
		t.Fatalf("mono samples = %d, want 1", len(mono))
	}
	if math.Abs(float64(mono[0])) > 1e-6 {
		t.Errorf("down-mix = %f, want 0", mono[0])
	}
}

func TestInt16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	out := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}
