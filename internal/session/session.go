// Package session binds one WebSocket connection to a room. A session owns
// the connection's read loop, its write queue, the segmentation of the
// inbound audio stream, and the per-source ordering of outbound deliveries.
//
// Inbound binary frames are raw audio chunks; inbound text frames are small
// JSON control messages. Outbound binary frames are WAV clips of translated
// speech; outbound text frames are JSON events.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/pipeline"
	"github.com/voxlate/voxlate/internal/room"
	"github.com/voxlate/voxlate/pkg/audio"
)

// Session lifecycle states.
const (
	StateConnecting int32 = iota
	StateActive
	StateClosing
	StateClosed
)

// Codec names accepted for the inbound audio stream.
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// Config describes one participant's connection.
type Config struct {
	RoomID        string
	ParticipantID string

	// TargetLang is the language this participant hears.
	TargetLang string

	// SourceLang is the language this participant claims to speak. Empty
	// lets the transcriber detect it.
	SourceLang string

	// Codec is the inbound audio encoding: "pcm16" (default) or "opus".
	Codec string

	// MaxInFlight caps concurrently processing segments from this speaker.
	// Further segments are skipped with an overload notice. Default: 4.
	MaxInFlight int

	// SendBuffer is the outbound queue depth. When the client cannot drain
	// it, further deliveries are dropped rather than blocking the pipeline.
	// Default: 64.
	SendBuffer int

	// WriteTimeout bounds each individual frame write. Default: 5s.
	WriteTimeout time.Duration

	// Mirror, when set and true, echoes the speaker's own segments straight
	// back without running the pipeline. Shared across sessions so the
	// toggle endpoint flips every connection at once. May be nil.
	Mirror *atomic.Bool

	// Segmenter tunes boundary detection for this stream.
	Segmenter audio.SegmenterConfig
}

func (c *Config) applyDefaults() {
	if c.Codec == "" {
		c.Codec = CodecPCM16
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	// Pinned here rather than left to the segmenter so the opus decode path
	// knows the rate to resample to.
	if c.Segmenter.SampleRate <= 0 {
		c.Segmenter.SampleRate = audio.DefaultSampleRate
	}
}

// outbound is one queued frame: JSON event or binary audio.
type outbound struct {
	json  any
	audio []byte
}

// Session runs one participant's connection. It implements room.Sink so the
// registry and pipeline can push to it, and it feeds the pipeline from the
// connection's inbound audio.
type Session struct {
	cfg     Config
	conn    *websocket.Conn
	rooms   *room.Registry
	pipe    *pipeline.Pipeline
	metrics *observe.Metrics

	state atomic.Int32

	mu   sync.Mutex
	seqr *sequencer

	sendCh   chan outbound
	stopSend chan struct{}
	sendDone chan struct{}

	inflight chan struct{}
	jobs     sync.WaitGroup

	segmenter *audio.Segmenter
	decoder   *audio.OpusDecoder
}

var _ room.Sink = (*Session)(nil)

// New prepares a session around an accepted connection. metrics may be nil.
// The session does nothing until Run is called.
func New(conn *websocket.Conn, rooms *room.Registry, pipe *pipeline.Pipeline, metrics *observe.Metrics, cfg Config) (*Session, error) {
	cfg.applyDefaults()

	s := &Session{
		cfg:       cfg,
		conn:      conn,
		rooms:     rooms,
		pipe:      pipe,
		metrics:   metrics,
		seqr:      newSequencer(),
		sendCh:    make(chan outbound, cfg.SendBuffer),
		stopSend:  make(chan struct{}),
		sendDone:  make(chan struct{}),
		inflight:  make(chan struct{}, cfg.MaxInFlight),
		segmenter: audio.NewSegmenter(cfg.ParticipantID, cfg.Segmenter),
	}
	s.state.Store(StateConnecting)

	if cfg.Codec == CodecOpus {
		dec, err := audio.NewOpusDecoder()
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.decoder = dec
	} else if cfg.Codec != CodecPCM16 {
		return nil, fmt.Errorf("session: unsupported codec %q", cfg.Codec)
	}

	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() int32 { return s.state.Load() }

// ---- room.Sink ----

// Announce seeds the ordering cursor for a freshly dispatched segment.
// Announcements arrive in the speaker's submission order, so a segment whose
// inference finishes after a later one is still waited for instead of being
// discarded as history.
func (s *Session) Announce(from string, seq uint64) {
	s.mu.Lock()
	s.seqr.reserve(from, seq)
	s.mu.Unlock()
}

// Deliver queues translated audio originating from another participant. The
// sequencer holds out-of-order segments and releases them in per-source
// order; nil audio is an advance-only marker and produces no frame.
//
// Never blocks: when the send queue is full the payload is dropped and the
// slow client simply misses that clip.
func (s *Session) Deliver(from string, seq uint64, clip []byte) {
	s.mu.Lock()
	releasable := s.seqr.resolve(from, seq, clip)
	s.mu.Unlock()

	for _, wav := range releasable {
		s.enqueue(outbound{audio: wav}, "slow_client")
	}
}

// Notify queues an out-of-band JSON event. When another participant leaves,
// their ordering state is discarded so a reconnect starts a fresh cursor.
func (s *Session) Notify(v any) {
	if ev, ok := v.(room.ParticipantsUpdate); ok && ev.Event == "left" {
		s.mu.Lock()
		s.seqr.forget(ev.ParticipantID)
		s.mu.Unlock()
	}
	s.enqueue(outbound{json: v}, "slow_client")
}

// enqueue appends a frame to the send queue without blocking; a full queue
// drops the frame and records the reason.
func (s *Session) enqueue(msg outbound, dropReason string) {
	if s.state.Load() >= StateClosing {
		return
	}
	select {
	case s.sendCh <- msg:
	default:
		if s.metrics == nil {
			return
		}
		if msg.audio != nil {
			s.metrics.RecordSegmentDropped(context.Background(), dropReason)
		} else {
			s.metrics.RecordEventDropped(context.Background(), dropReason)
		}
	}
}

// ---- lifecycle ----

// connectionEstablished is the first frame a client receives after joining.
type connectionEstablished struct {
	Type          string `json:"type"`
	Room          string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	TargetLang    string `json:"target_lang"`
}

// overloadNotice tells the speaker a segment was skipped under backpressure.
type overloadNotice struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

// Run joins the room and services the connection until the client disconnects
// or ctx is cancelled. It always leaves the room before returning. The
// returned error describes an abnormal termination; a clean client close
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	log := observe.Logger(ctx).With("room", s.cfg.RoomID, "participant", s.cfg.ParticipantID)

	participant := room.Participant{
		ID:         s.cfg.ParticipantID,
		TargetLang: s.cfg.TargetLang,
		Sink:       s,
	}
	if err := s.rooms.Join(s.cfg.RoomID, participant); err != nil {
		s.state.Store(StateClosed)
		s.conn.Close(websocket.StatusPolicyViolation, "join rejected")
		return fmt.Errorf("session: join: %w", err)
	}

	s.state.Store(StateActive)
	log.Info("session started", "target_lang", s.cfg.TargetLang, "codec", s.cfg.Codec)

	go s.writeLoop(ctx)

	s.enqueue(outbound{json: connectionEstablished{
		Type:          "connection_established",
		Room:          s.cfg.RoomID,
		ParticipantID: s.cfg.ParticipantID,
		TargetLang:    s.cfg.TargetLang,
	}}, "slow_client")

	readErr := s.readLoop(ctx)

	s.state.Store(StateClosing)

	// Whatever is still buffered becomes the stream's final segment.
	if seg := s.segmenter.Flush(); seg != nil {
		s.dispatch(ctx, seg)
	}
	s.jobs.Wait()

	s.rooms.Leave(s.cfg.RoomID, s.cfg.ParticipantID)

	close(s.stopSend)
	<-s.sendDone
	s.conn.Close(websocket.StatusNormalClosure, "")
	s.state.Store(StateClosed)

	log.Info("session ended")
	if readErr != nil && !isExpectedClose(readErr) && ctx.Err() == nil {
		return fmt.Errorf("session: %w", readErr)
	}
	return nil
}

// isExpectedClose reports whether the read error is an ordinary client
// disconnect rather than a protocol failure.
func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// readLoop consumes frames until the connection drops or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(ctx, data)
		case websocket.MessageText:
			s.handleControl(ctx, data)
		}
	}
}

// handleAudio feeds one inbound chunk through decode and segmentation, then
// dispatches any completed segment.
func (s *Session) handleAudio(ctx context.Context, data []byte) {
	if s.cfg.Mirror != nil && s.cfg.Mirror.Load() {
		// Mirror mode: echo the raw chunk straight back, pipeline untouched.
		s.enqueue(outbound{audio: data}, "slow_client")
		return
	}

	chunk := data
	if s.decoder != nil {
		pcm, err := s.decoder.DecodeToRate(data, s.cfg.Segmenter.SampleRate)
		if err != nil {
			observe.Logger(ctx).Warn("opus packet dropped",
				"participant", s.cfg.ParticipantID, "error", err)
			return
		}
		chunk = pcm
	}

	if seg := s.segmenter.Push(chunk); seg != nil {
		s.dispatch(ctx, seg)
	}
}

// controlMessage is the envelope for inbound text frames.
type controlMessage struct {
	Type string `json:"type"`
}

func (s *Session) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observe.Logger(ctx).Debug("unparseable control frame",
			"participant", s.cfg.ParticipantID, "error", err)
		return
	}
	switch msg.Type {
	case "ping":
		s.enqueue(outbound{json: map[string]string{"type": "pong"}}, "slow_client")
	}
}

// dispatch runs one segment through the pipeline on its own goroutine,
// bounded by the in-flight cap. Over the cap the segment is skipped so its
// listeners' cursors still advance, and the speaker is told.
func (s *Session) dispatch(ctx context.Context, seg *audio.Segment) {
	// Announced before processing starts: dispatch runs in submission order,
	// so listeners seed their cursors from the speaker's stream rather than
	// from whichever segment resolves first.
	s.pipe.Announce(s.cfg.RoomID, seg)

	select {
	case s.inflight <- struct{}{}:
	default:
		s.pipe.Skip(ctx, s.cfg.RoomID, seg, "overloaded")
		s.enqueue(outbound{json: overloadNotice{Type: "overloaded", Seq: seg.Seq}}, "slow_client")
		return
	}

	s.jobs.Add(1)
	// The segment outlives the read that produced it: cancelling the session
	// context must not abort translations already owed to listeners.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.jobs.Done()
		defer func() { <-s.inflight }()
		if err := s.pipe.Process(jobCtx, s.cfg.RoomID, seg, s.cfg.SourceLang); err != nil {
			observe.Logger(jobCtx).Warn("segment processing failed",
				"room", s.cfg.RoomID, "participant", s.cfg.ParticipantID,
				"seq", seg.Seq, "error", err)
		}
	}()
}

// writeLoop is the only goroutine writing to the connection. It drains the
// queue until stopSend closes, then writes whatever is already buffered and
// signals completion.
func (s *Session) writeLoop(ctx context.Context) {
	defer close(s.sendDone)

	for {
		select {
		case msg := <-s.sendCh:
			if err := s.write(ctx, msg); err != nil {
				s.drainUntilStopped()
				return
			}
		case <-s.stopSend:
			s.drainBuffered(ctx)
			return
		case <-ctx.Done():
			s.drainUntilStopped()
			return
		}
	}
}

// write sends one frame with the configured per-write deadline.
func (s *Session) write(ctx context.Context, msg outbound) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if msg.json != nil {
		return wsjson.Write(wctx, s.conn, msg.json)
	}
	return s.conn.Write(wctx, websocket.MessageBinary, msg.audio)
}

// drainBuffered flushes frames already queued at shutdown, each with a fresh
// deadline detached from the (likely cancelled) session context.
func (s *Session) drainBuffered(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-s.sendCh:
			if err := s.write(base, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// drainUntilStopped discards queued frames after a write failure so enqueuers
// keep finding buffer space until Run closes stopSend.
func (s *Session) drainUntilStopped() {
	for {
		select {
		case <-s.sendCh:
		case <-s.stopSend:
			return
		}
	}
}
