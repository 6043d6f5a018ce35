package audio

import "time"

// Segmenter defaults. A 2–4 s target segment balances transcription accuracy
// against latency; the silence gap cuts earlier when the speaker pauses.
const (
	// DefaultRMSThreshold is the RMS energy (in 16-bit PCM units, max 32 767)
	// below which a chunk is considered silent. 300 corresponds to near-silence.
	DefaultRMSThreshold = 300.0

	DefaultSilenceGapMs = 500
	DefaultMaxSegmentMs = 3000
	DefaultSampleRate   = 16000
	DefaultChannels     = 1
)

// SegmenterConfig tunes segment boundary detection. Zero fields fall back to
// the package defaults.
type SegmenterConfig struct {
	// SampleRate and Channels describe the PCM pushed into the segmenter.
	SampleRate int
	Channels   int

	// RMSThreshold is the energy level separating speech from silence.
	RMSThreshold float64

	// SilenceGapMs is the consecutive-silence duration after speech that
	// triggers a flush. Shorter values cut segments more eagerly at the cost
	// of splitting utterances.
	SilenceGapMs int

	// MaxSegmentMs is the maximum accumulated audio duration before a flush
	// is forced regardless of silence, bounding both latency and memory.
	MaxSegmentMs int
}

func (c *SegmenterConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = DefaultRMSThreshold
	}
	if c.SilenceGapMs <= 0 {
		c.SilenceGapMs = DefaultSilenceGapMs
	}
	if c.MaxSegmentMs <= 0 {
		c.MaxSegmentMs = DefaultMaxSegmentMs
	}
}

// Segmenter accumulates a participant's continuous PCM stream and cuts it
// into bounded Segments at silence gaps, at the maximum-duration limit, and
// on stream close. Sequence numbers are assigned monotonically at flush time.
//
// A Segmenter belongs to exactly one session goroutine and performs no
// internal locking. Leading silence before any speech is discarded so that
// idle connections accumulate nothing.
type Segmenter struct {
	participantID string
	cfg           SegmenterConfig

	buffer    []byte
	hadSpeech bool
	silenceMs int
	nextSeq   uint64

	bytesPerMs int
	maxBytes   int
}

// NewSegmenter creates a Segmenter for one participant's stream.
func NewSegmenter(participantID string, cfg SegmenterConfig) *Segmenter {
	cfg.applyDefaults()

	bytesPerMs := cfg.SampleRate * cfg.Channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // 16 kHz mono 16-bit
	}

	return &Segmenter{
		participantID: participantID,
		cfg:           cfg,
		bytesPerMs:    bytesPerMs,
		maxBytes:      cfg.MaxSegmentMs * bytesPerMs,
	}
}

// Push appends one inbound chunk to the buffer and returns a flushed Segment
// when a boundary is detected, or nil when the stream is still accumulating.
func (s *Segmenter) Push(chunk []byte) *Segment {
	if len(chunk) == 0 {
		return nil
	}

	rms := ComputeRMS(chunk)
	chunkMs := len(chunk) / s.bytesPerMs

	if rms < s.cfg.RMSThreshold {
		// Silent chunk: only relevant once speech has started. Leading
		// silence is discarded.
		if !s.hadSpeech {
			return nil
		}
		s.silenceMs += chunkMs
		s.buffer = append(s.buffer, chunk...)
		if s.silenceMs >= s.cfg.SilenceGapMs {
			return s.flush()
		}
		return nil
	}

	s.hadSpeech = true
	s.silenceMs = 0
	s.buffer = append(s.buffer, chunk...)
	if len(s.buffer) >= s.maxBytes {
		return s.flush()
	}
	return nil
}

// Flush cuts whatever has accumulated into a final Segment, possibly shorter
// than usual. Called when the connection closes. Returns nil when the buffer
// holds no speech.
func (s *Segmenter) Flush() *Segment {
	return s.flush()
}

// Pending reports the currently buffered duration. Useful for diagnostics.
func (s *Segmenter) Pending() time.Duration {
	return time.Duration(len(s.buffer)/s.bytesPerMs) * time.Millisecond
}

func (s *Segmenter) flush() *Segment {
	pcm := s.buffer
	hadSpeech := s.hadSpeech
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0

	if len(pcm) == 0 || !hadSpeech {
		return nil
	}

	seg := &Segment{
		ParticipantID: s.participantID,
		Seq:           s.nextSeq,
		PCM:           pcm,
		SampleRate:    s.cfg.SampleRate,
		Channels:      s.cfg.Channels,
		Duration:      DurationOf(pcm, s.cfg.SampleRate, s.cfg.Channels),
	}
	s.nextSeq++
	return seg
}
