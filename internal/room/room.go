// Package room implements the room registry: named translation rooms, their
// participants, and the fan-out targets the pipeline delivers audio to.
//
// The registry is the single source of truth for room membership. Sessions
// join and leave; the pipeline asks for membership snapshots when it fans out
// a translated segment. Empty rooms are reaped by a background sweeper so a
// long-running server does not accumulate abandoned rooms.
package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlate/voxlate/internal/observe"
)

// Registry errors.
var (
	// ErrRoomNotFound is returned when the room ID does not name a live room.
	ErrRoomNotFound = errors.New("room: room not found")

	// ErrDuplicateParticipant is returned when a participant ID is already
	// present in the room.
	ErrDuplicateParticipant = errors.New("room: participant already joined")
)

// Sink receives the output destined for one participant. Implementations
// must not block: the session layer backs each sink with a buffered send
// queue and drops when the client cannot keep up.
type Sink interface {
	// Announce tells the sink a segment from the given source has been
	// dispatched for processing. Announcements arrive in the speaker's
	// submission order, before the segment's Deliver, so the sink can seed
	// its ordering cursor independently of inference completion order.
	Announce(from string, seq uint64)

	// Deliver hands over one translated audio payload originating from the
	// given source participant and segment sequence number. A nil audio slice
	// is an advance-only marker: the segment produced nothing for this
	// listener (empty transcript, failed branch, overload drop) and the
	// sequence cursor should move past it.
	Deliver(from string, seq uint64, audio []byte)

	// Notify sends an out-of-band JSON event (participant updates, overload
	// notices) to the participant.
	Notify(v any)
}

// Participant is one connected member of a room.
type Participant struct {
	// ID is unique within the room for the lifetime of the connection.
	ID string

	// TargetLang is the ISO 639-1 code this participant wants to hear.
	TargetLang string

	// Sink is where translated audio and events are delivered.
	Sink Sink
}

// Member is the public view of a participant, as reported by the participants
// endpoint.
type Member struct {
	ID         string `json:"id"`
	TargetLang string `json:"target_lang"`
}

// state holds one live room. Mutation goes through the registry lock.
type state struct {
	id           string
	participants map[string]Participant
	created      time.Time
	lastEmpty    time.Time // time the room last became (or was created) empty
}

// Config tunes the registry.
type Config struct {
	// IdleTimeout is how long a room may stay empty before the sweeper
	// removes it. Covers created-but-never-joined rooms too. Default: 5m.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweeper scans for idle rooms.
	// Default: 30s.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Registry tracks all live rooms. Safe for concurrent use.
type Registry struct {
	cfg     Config
	metrics *observe.Metrics

	mu    sync.RWMutex
	rooms map[string]*state
}

// NewRegistry creates an empty Registry. metrics may be nil, in which case
// gauge updates are skipped (used by tests).
func NewRegistry(cfg Config, metrics *observe.Metrics) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		metrics: metrics,
		rooms:   make(map[string]*state),
	}
}

// CreateRoom allocates a new empty room and returns its ID. IDs use the
// "room-" prefix followed by six hex characters.
func (r *Registry) CreateRoom() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 10; attempt++ {
		id, err := newRoomID()
		if err != nil {
			return "", err
		}
		if _, exists := r.rooms[id]; exists {
			continue
		}
		now := time.Now()
		r.rooms[id] = &state{
			id:           id,
			participants: make(map[string]Participant),
			created:      now,
			lastEmpty:    now,
		}
		slog.Info("room created", "room", id)
		return id, nil
	}
	return "", errors.New("room: could not allocate a unique room id")
}

// newRoomID returns "room-" plus six hex characters of randomness.
func newRoomID() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("room: generate id: %w", err)
	}
	return "room-" + hex.EncodeToString(b[:]), nil
}

// Join adds a participant to an existing room. Joining a room that was never
// created (or has been reaped) is rejected with ErrRoomNotFound; clients must
// create rooms explicitly.
func (r *Registry) Join(roomID string, p Participant) error {
	r.mu.Lock()
	st, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if _, dup := st.participants[p.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.ID)
	}

	wasEmpty := len(st.participants) == 0
	st.participants[p.ID] = p
	others := snapshotLocked(st, p.ID)
	count := len(st.participants)
	r.mu.Unlock()

	if r.metrics != nil {
		ctx := context.Background()
		r.metrics.ActiveParticipants.Add(ctx, 1)
		if wasEmpty {
			r.metrics.ActiveRooms.Add(ctx, 1)
		}
	}

	slog.Info("participant joined", "room", roomID, "participant", p.ID, "target_lang", p.TargetLang, "count", count)
	notifyParticipants(others, roomID, count, "joined", p.ID)
	return nil
}

// Leave removes a participant from a room. Removing a participant that is not
// present, or naming an unknown room, is a no-op.
func (r *Registry) Leave(roomID, participantID string) {
	r.mu.Lock()
	st, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := st.participants[participantID]; !present {
		r.mu.Unlock()
		return
	}

	delete(st.participants, participantID)
	count := len(st.participants)
	if count == 0 {
		st.lastEmpty = time.Now()
	}
	others := snapshotLocked(st, participantID)
	r.mu.Unlock()

	if r.metrics != nil {
		ctx := context.Background()
		r.metrics.ActiveParticipants.Add(ctx, -1)
		if count == 0 {
			r.metrics.ActiveRooms.Add(ctx, -1)
		}
	}

	slog.Info("participant left", "room", roomID, "participant", participantID, "count", count)
	notifyParticipants(others, roomID, count, "left", participantID)
}

// Count returns the number of participants in a room. Unknown rooms report
// zero with ErrRoomNotFound.
func (r *Registry) Count(roomID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rooms[roomID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return len(st.participants), nil
}

// Exists reports whether the room is live.
func (r *Registry) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Members returns the public membership list of a room.
func (r *Registry) Members(roomID string) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	members := make([]Member, 0, len(st.participants))
	for _, p := range st.participants {
		members = append(members, Member{ID: p.ID, TargetLang: p.TargetLang})
	}
	return members, nil
}

// Snapshot returns every participant in the room except the one named by
// exclude. The pipeline uses this to fan out a segment to current listeners;
// membership changes after the snapshot do not affect an in-flight segment.
func (r *Registry) Snapshot(roomID, exclude string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return snapshotLocked(st, exclude)
}

// Lookup returns one participant of a room.
func (r *Registry) Lookup(roomID, participantID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, false
	}
	p, ok := st.participants[participantID]
	return p, ok
}

// snapshotLocked copies the participant set minus exclude. Caller holds the
// registry lock (read or write).
func snapshotLocked(st *state, exclude string) []Participant {
	out := make([]Participant, 0, len(st.participants))
	for id, p := range st.participants {
		if id == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ParticipantsUpdate is the event broadcast to remaining members when room
// membership changes. Event is "joined" or "left".
type ParticipantsUpdate struct {
	Type          string `json:"type"`
	Room          string `json:"room_id"`
	Count         int    `json:"count"`
	Event         string `json:"event"`
	ParticipantID string `json:"participant_id"`
}

func notifyParticipants(participants []Participant, roomID string, count int, event, participantID string) {
	ev := ParticipantsUpdate{
		Type:          "participants_update",
		Room:          roomID,
		Count:         count,
		Event:         event,
		ParticipantID: participantID,
	}
	for _, p := range participants {
		p.Sink.Notify(ev)
	}
}

// Run sweeps idle rooms until ctx is cancelled. Intended to run in its own
// goroutine for the lifetime of the server.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep removes rooms that have been empty longer than the idle timeout.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.rooms {
		if len(st.participants) == 0 && now.Sub(st.lastEmpty) >= r.cfg.IdleTimeout {
			delete(r.rooms, id)
			slog.Info("idle room reaped", "room", id, "idle", now.Sub(st.lastEmpty).Round(time.Second))
		}
	}
}

// RoomCount reports the number of live rooms. Used by the system-info
// endpoint.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
