// Package pipeline runs the per-segment translation cascade: one speech
// segment is transcribed once, then translated and synthesised once per
// distinct target language among the room's listeners, and the results are
// fanned out to every listener's sink.
//
// Branch independence is the core property: each target language runs in its
// own goroutine, and a failure in one branch never blocks or fails another.
// Listeners whose branch produced nothing still receive an advance-only
// delivery so their per-source ordering cursor moves past the segment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/room"
	"github.com/voxlate/voxlate/pkg/audio"
	"github.com/voxlate/voxlate/pkg/provider/mt"
	"github.com/voxlate/voxlate/pkg/provider/stt"
	"github.com/voxlate/voxlate/pkg/provider/tts"
)

// Config tunes pipeline behaviour.
type Config struct {
	// StageTimeout bounds each inference call (STT, translate, TTS).
	// Default: 15s.
	StageTimeout time.Duration

	// MinTranscriptChars is the minimum transcript length (after trimming)
	// worth translating. Shorter transcripts are treated as noise and the
	// segment is skipped. Default: 2.
	MinTranscriptChars int

	// Echo includes the speaker among the listeners for their own segments.
	// Off by default: speakers do not hear their own translations.
	Echo bool
}

func (c *Config) applyDefaults() {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 15 * time.Second
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = 2
	}
}

// Pipeline executes the STT → translate → TTS cascade for one room registry.
// Safe for concurrent use; sessions call Process from their own goroutines.
type Pipeline struct {
	stt     stt.Provider
	mt      mt.Provider
	tts     tts.Provider
	rooms   *room.Registry
	metrics *observe.Metrics
	cfg     Config
}

// New creates a Pipeline. metrics may be nil (used by tests).
func New(sttP stt.Provider, mtP mt.Provider, ttsP tts.Provider, rooms *room.Registry, metrics *observe.Metrics, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		stt:     sttP,
		mt:      mtP,
		tts:     ttsP,
		rooms:   rooms,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Announce tells the room's current listeners that a segment has been
// dispatched. Sessions call it synchronously from the read loop, so listeners
// see announcements in the speaker's submission order and can seed their
// per-source ordering cursors before any branch completes. Without it, two
// in-flight segments finishing out of order would make a listener treat the
// earlier one as history and drop its audio.
func (p *Pipeline) Announce(roomID string, seg *audio.Segment) {
	exclude := seg.ParticipantID
	if p.cfg.Echo {
		exclude = ""
	}
	for _, l := range p.rooms.Snapshot(roomID, exclude) {
		l.Sink.Announce(seg.ParticipantID, seg.Seq)
	}
}

// Process runs one segment through the cascade and delivers the results.
//
// Whatever happens, every listener in the membership snapshot receives
// exactly one Deliver call for this segment: translated audio when its
// branch succeeded, or a nil advance-only marker otherwise. Ordering per
// source is the sink's job; Process only guarantees the one-delivery
// contract.
func (p *Pipeline) Process(ctx context.Context, roomID string, seg *audio.Segment, sourceLang string) error {
	start := time.Now()
	log := observe.Logger(ctx).With("room", roomID, "participant", seg.ParticipantID, "seq", seg.Seq)

	exclude := seg.ParticipantID
	if p.cfg.Echo {
		exclude = ""
	}
	listeners := p.rooms.Snapshot(roomID, exclude)
	if len(listeners) == 0 {
		p.dropped(ctx, "no_listeners")
		return nil
	}

	if p.metrics != nil {
		p.metrics.SegmentsProcessed.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("room", roomID)))
	}

	// STT runs exactly once per segment regardless of listener count.
	transcript, err := p.transcribe(ctx, seg)
	if err != nil {
		log.Warn("transcription failed", "error", err)
		p.providerError(ctx, p.stt.Name(), "stt")
		advanceAll(listeners, seg)
		return fmt.Errorf("pipeline: transcribe segment %d: %w", seg.Seq, err)
	}

	text := strings.TrimSpace(transcript.Text)
	if len(text) < p.cfg.MinTranscriptChars {
		log.Debug("transcript below threshold, skipping", "length", len(text))
		p.dropped(ctx, "empty_transcript")
		advanceAll(listeners, seg)
		return nil
	}
	if transcript.Language != "" {
		sourceLang = transcript.Language
	}

	// One branch per distinct target language; listeners sharing a language
	// share the branch result.
	targets := distinctTargets(listeners)

	var mu sync.Mutex
	results := make(map[string][]byte, len(targets))

	g, branchCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			wav, branchErr := p.runBranch(branchCtx, text, sourceLang, target)
			if branchErr != nil {
				// Branch failures are contained: log, count, and leave the
				// result absent so affected listeners get an advance-only
				// delivery.
				log.Warn("translation branch failed", "target_lang", target, "error", branchErr)
				return nil
			}
			mu.Lock()
			results[target] = wav
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // branches never return errors; Wait only synchronises

	for _, listener := range listeners {
		listener.Sink.Deliver(seg.ParticipantID, seg.Seq, results[listener.TargetLang])
	}

	if p.metrics != nil {
		p.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	}
	log.Debug("segment processed", "targets", len(targets), "duration", time.Since(start))
	return nil
}

// Skip resolves a segment without processing it: every listener receives an
// advance-only delivery so the segment never blocks later ones. Used when
// backpressure forces a drop.
func (p *Pipeline) Skip(ctx context.Context, roomID string, seg *audio.Segment, reason string) {
	exclude := seg.ParticipantID
	if p.cfg.Echo {
		exclude = ""
	}
	p.dropped(ctx, reason)
	advanceAll(p.rooms.Snapshot(roomID, exclude), seg)
}

// transcribe runs STT with the stage timeout and records its latency.
func (p *Pipeline) transcribe(ctx context.Context, seg *audio.Segment) (stt.Transcript, error) {
	sttCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	sttStart := time.Now()
	transcript, err := p.stt.Transcribe(sttCtx, *seg)
	if p.metrics != nil {
		p.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	}
	return transcript, err
}

// runBranch translates text into the target language and synthesises it,
// returning the WAV payload to deliver. When the target matches the source
// the translation stage is skipped.
func (p *Pipeline) runBranch(ctx context.Context, text, sourceLang, targetLang string) ([]byte, error) {
	translated := text
	if targetLang != sourceLang {
		mtCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		mtStart := time.Now()
		out, err := p.mt.Translate(mtCtx, text, sourceLang, targetLang)
		cancel()
		if p.metrics != nil {
			p.metrics.TranslateDuration.Record(ctx, time.Since(mtStart).Seconds())
		}
		if err != nil {
			p.providerError(ctx, p.mt.Name(), "translate")
			return nil, fmt.Errorf("translate to %s: %w", targetLang, err)
		}
		if strings.TrimSpace(out) == "" {
			return nil, errors.New("translator returned empty text")
		}
		translated = out
	}

	ttsCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	ttsStart := time.Now()
	clip, err := p.tts.Synthesize(ttsCtx, translated, targetLang)
	if p.metrics != nil {
		p.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
	}
	if err != nil {
		p.providerError(ctx, p.tts.Name(), "tts")
		return nil, fmt.Errorf("synthesize %s: %w", targetLang, err)
	}

	return audio.EncodeWAV(clip.PCM, clip.SampleRate, clip.Channels), nil
}

// distinctTargets returns the unique target languages among the listeners,
// in first-seen order.
func distinctTargets(listeners []room.Participant) []string {
	seen := make(map[string]bool, len(listeners))
	out := make([]string, 0, len(listeners))
	for _, l := range listeners {
		if !seen[l.TargetLang] {
			seen[l.TargetLang] = true
			out = append(out, l.TargetLang)
		}
	}
	return out
}

// advanceAll sends the advance-only marker for this segment to every
// listener so their ordering cursors move past it.
func advanceAll(listeners []room.Participant, seg *audio.Segment) {
	for _, l := range listeners {
		l.Sink.Deliver(seg.ParticipantID, seg.Seq, nil)
	}
}

func (p *Pipeline) dropped(ctx context.Context, reason string) {
	if p.metrics != nil {
		p.metrics.RecordSegmentDropped(ctx, reason)
	}
}

func (p *Pipeline) providerError(ctx context.Context, provider, kind string) {
	if p.metrics != nil {
		p.metrics.RecordProviderError(ctx, provider, kind)
	}
}
