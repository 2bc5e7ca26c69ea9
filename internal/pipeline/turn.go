package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// TurnState is the lifecycle state of one conversation turn.
type TurnState int32

const (
	// TurnIdle: created, no work started yet.
	TurnIdle TurnState = iota
	// TurnLLM: character replies are being streamed from the LLM.
	TurnLLM
	// TurnTTS: all sentences enqueued, synthesis still draining.
	TurnTTS
	// TurnStreaming: audio is being delivered to the client.
	TurnStreaming
	// TurnComplete: the last speaker's audio_stream_stop was emitted.
	TurnComplete
	// TurnCancelled: the turn was torn down by an interrupt or disconnect.
	TurnCancelled
)

// String implements fmt.Stringer.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnLLM:
		return "llm"
	case TurnTTS:
		return "tts"
	case TurnStreaming:
		return "streaming"
	case TurnComplete:
		return "complete"
	case TurnCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state is Complete or Cancelled.
func (s TurnState) Terminal() bool {
	return s == TurnComplete || s == TurnCancelled
}

// Turn is one user-message → all-character-responses cycle. At most one turn
// is non-terminal at a time; the orchestrator serialises them.
type Turn struct {
	// Number is the 1-based ordinal of the turn within the session.
	Number uint64
	// FirstSeq is the SpeakerSeq of the turn's first speaker; the turn spans
	// [FirstSeq, FirstSeq+Speakers).
	FirstSeq uint64
	// Speakers is the number of addressed characters.
	Speakers int

	started time.Time
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTurn(number, firstSeq uint64, speakers int, cancel context.CancelFunc) *Turn {
	return &Turn{
		Number:   number,
		FirstSeq: firstSeq,
		Speakers: speakers,
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (t *Turn) State() TurnState {
	return TurnState(t.state.Load())
}

// Done returns a channel closed once the orchestrator has finished unwinding
// the turn's LLM work. Audio may still be draining through the pipeline.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Age reports how long ago the turn started.
func (t *Turn) Age() time.Duration { return time.Since(t.started) }

// lastSeq returns the SpeakerSeq of the final speaker. Only meaningful when
// Speakers > 0.
func (t *Turn) lastSeq() uint64 {
	return t.FirstSeq + uint64(t.Speakers) - 1
}

// containsSeq reports whether seq was allocated to this turn.
func (t *Turn) containsSeq(seq uint64) bool {
	return seq >= t.FirstSeq && seq < t.FirstSeq+uint64(t.Speakers)
}

// advance moves the state forward to next. It never rewinds, never leaves a
// terminal state, and never enters one — use finish for that. Returns whether
// the transition happened.
func (t *Turn) advance(next TurnState) bool {
	if next.Terminal() {
		return false
	}
	for {
		cur := TurnState(t.state.Load())
		if cur.Terminal() || next <= cur {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// finish moves the turn into a terminal state. Returns true only for the
// first transition; a turn that is already terminal stays as it is.
func (t *Turn) finish(final TurnState) bool {
	if !final.Terminal() {
		return false
	}
	for {
		cur := TurnState(t.state.Load())
		if cur.Terminal() {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(final)) {
			return true
		}
	}
}
