package session

// sequencer enforces per-source delivery order for one listener. Translation
// branches finish in arbitrary order, so a later segment's audio can arrive
// before an earlier one; the sequencer buffers it until every earlier segment
// from the same source has been resolved.
//
// Every segment is eventually resolved exactly once, either with audio or
// with a nil advance-only marker, so a segment that produced nothing never
// stalls the segments behind it.
//
// Not safe for concurrent use; the owning session serialises access.
type sequencer struct {
	next    map[string]uint64            // next expected seq per source
	started map[string]bool              // whether a source has delivered anything yet
	pending map[string]map[uint64][]byte // buffered out-of-order resolutions
}

func newSequencer() *sequencer {
	return &sequencer{
		next:    make(map[string]uint64),
		started: make(map[string]bool),
		pending: make(map[string]map[uint64][]byte),
	}
}

// reserve seeds the cursor for a source that has not delivered anything yet.
// Sessions call it when a segment is dispatched, which happens in submission
// order, so the cursor reflects the speaker's stream rather than whichever
// segment happens to finish inference first. Once a source has started,
// reserve is a no-op.
func (s *sequencer) reserve(from string, seq uint64) {
	if !s.started[from] {
		s.started[from] = true
		s.next[from] = seq
	}
}

// resolve records the outcome of one segment from the given source and
// returns the audio payloads that are now releasable, in order. Nil audio
// advances the cursor without producing a payload. Segments older than the
// cursor are dropped.
func (s *sequencer) resolve(from string, seq uint64, audio []byte) [][]byte {
	if !s.started[from] {
		// No reservation was seen for this source: the cursor starts at the
		// first segment resolved, so a listener who joins mid-conversation
		// does not wait for history.
		s.started[from] = true
		s.next[from] = seq
	}

	if seq < s.next[from] {
		return nil
	}

	if seq > s.next[from] {
		buf, ok := s.pending[from]
		if !ok {
			buf = make(map[uint64][]byte)
			s.pending[from] = buf
		}
		buf[seq] = audio
		return nil
	}

	// seq == next: release it and drain any contiguous buffered successors.
	var out [][]byte
	if audio != nil {
		out = append(out, audio)
	}
	s.next[from]++

	buf := s.pending[from]
	for {
		a, ok := buf[s.next[from]]
		if !ok {
			break
		}
		delete(buf, s.next[from])
		if a != nil {
			out = append(out, a)
		}
		s.next[from]++
	}
	return out
}

// forget drops all state for a source. Called when the source leaves the
// room so a reconnecting participant with a fresh seq space starts clean.
func (s *sequencer) forget(from string) {
	delete(s.next, from)
	delete(s.started, from)
	delete(s.pending, from)
}
