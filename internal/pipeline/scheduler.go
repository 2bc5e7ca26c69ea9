package pipeline

// Scheduler is the speaker-order filter between the Worker's output and the
// client. Synthesis for a later speaker may finish while an earlier speaker is
// still producing chunks; the scheduler buffers those chunks and releases them
// only once every earlier speaker's end-of-speaker sentinel has passed
// through.
//
// The scheduler is a deterministic pure function of its input sequence and
// initial state. It is not safe for concurrent use; the Streamer owns it and
// serialises access.
type Scheduler struct {
	// current is the SpeakerSeq whose chunks are released immediately.
	current uint64
	// buffers holds chunks for speakers after current, keyed by SpeakerSeq.
	buffers map[uint64][]AudioChunk
}

// NewScheduler creates a scheduler expecting the given first speaker sequence.
func NewScheduler(first uint64) *Scheduler {
	return &Scheduler{
		current: first,
		buffers: make(map[uint64][]AudioChunk),
	}
}

// Push feeds one chunk through the scheduler and returns the chunks released
// by it, in emission order. The result aliases no internal state.
//
//   - A chunk for the current speaker is released immediately.
//   - A final sentinel for the current speaker is released and advances the
//     scheduler, flushing any buffered chunks of the speakers that follow.
//   - A chunk for a later speaker is buffered.
//   - A chunk for an earlier speaker is a late arrival from a cancelled or
//     finished turn and is discarded.
func (s *Scheduler) Push(c AudioChunk) []AudioChunk {
	switch {
	case c.SpeakerSeq < s.current:
		return nil

	case c.SpeakerSeq > s.current:
		s.buffers[c.SpeakerSeq] = append(s.buffers[c.SpeakerSeq], c)
		return nil
	}

	released := []AudioChunk{c}
	if !c.IsFinal {
		return released
	}
	s.current++
	return s.flush(released)
}

// flush releases buffered chunks for consecutive completed speakers starting
// at current. A buffered speaker whose chunks run out without a sentinel is
// still in flight; flushing stops there and resumes as its chunks arrive.
func (s *Scheduler) flush(released []AudioChunk) []AudioChunk {
	for {
		buf, ok := s.buffers[s.current]
		if !ok {
			return released
		}
		delete(s.buffers, s.current)

		finished := false
		for _, c := range buf {
			released = append(released, c)
			if c.IsFinal {
				finished = true
				s.current++
				break
			}
		}
		if !finished {
			// current was not advanced, so this speaker's remaining chunks
			// release immediately as they arrive.
			return released
		}
	}
}

// Current reports the SpeakerSeq currently eligible for immediate release.
func (s *Scheduler) Current() uint64 { return s.current }

// Buffered reports how many chunks are waiting for earlier speakers to finish.
func (s *Scheduler) Buffered() int {
	n := 0
	for _, buf := range s.buffers {
		n += len(buf)
	}
	return n
}

// Reset prepares the scheduler for the turn after an interrupt: it discards
// all buffered chunks and advances current to next (never backwards), so that
// every chunk still in flight from the cancelled turn falls below current and
// is discarded on arrival.
func (s *Scheduler) Reset(next uint64) {
	if next > s.current {
		s.current = next
	}
	s.buffers = make(map[uint64][]AudioChunk)
}
