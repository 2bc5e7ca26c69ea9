// Package pipeline implements the conversation streaming core: three bounded
// single-producer/single-consumer queues connecting the turn orchestrator, the
// TTS worker, and the audio streamer, plus the speaker-order scheduler that
// keeps concurrent synthesis from reordering speakers on the wire.
//
// Data flow:
//
//	ingress ──► Orchestrator ──► LLM stream ──► sentence segmenter
//	                                                  │
//	                                                  ▼
//	                                             SentenceQ
//	                                                  │
//	                                                  ▼
//	                                             Worker ──► AudioQ
//	                                                            │
//	                                                            ▼
//	                                                 Scheduler ─► Streamer ─► client
//
// The Worker and Streamer are session-lifetime tasks; they are unaware of
// turns. Interrupts are implemented by cancelling the active turn's context,
// draining all three queues, and resetting the scheduler — never by restarting
// workers.
package pipeline

import (
	"time"

	"github.com/troupelabs/troupe/pkg/types"
)

const (
	// DefaultQueueCap is the default capacity of each pipeline queue. The
	// bounded capacity is the sole backpressure mechanism: a full SentenceQ
	// paces the orchestrator's LLM consumption, a full AudioQ paces the TTS
	// worker, and the transport send paces the streamer.
	DefaultQueueCap = 64

	// ShutdownGrace is how long session teardown waits for the worker tasks
	// to unwind before logging them as leaked.
	ShutdownGrace = 5 * time.Second

	// DefaultSampleRate is the PCM sample rate delivered to the client
	// (signed 16-bit little-endian, mono).
	DefaultSampleRate = 24000
)

// Sentence is one segmented sentence of a character's reply, produced by the
// Orchestrator and consumed by the Worker. A Sentence with IsFinal set is the
// end-of-speaker sentinel: its Text is empty and no further sentences for this
// speaker will appear in the turn.
type Sentence struct {
	Text          string
	SentenceIndex int
	MessageID     string
	CharacterID   string
	CharacterName string
	Voice         types.VoiceProfile
	SpeakerIndex  int
	SpeakerSeq    uint64
	IsFinal       bool
}

// AudioChunk is one block of synthesized PCM, produced by the Worker and
// consumed by the Streamer. A chunk with IsFinal set is the end-of-speaker
// sentinel: its PCM is empty and it marks the end of the speaker's audio.
type AudioChunk struct {
	PCM           []byte
	SentenceIndex int
	ChunkIndex    int
	MessageID     string
	CharacterID   string
	CharacterName string
	SpeakerIndex  int
	SpeakerSeq    uint64
	SampleRate    int
	IsFinal       bool
}

// Speaker indices come in two flavours:
//
//   - SpeakerIndex is the client-visible position of the character within its
//     turn, numbered densely from 0 per turn. It appears in wire messages.
//   - SpeakerSeq is a session-global, monotonically increasing ordinal that is
//     never reused across turns. The scheduler orders and advances on
//     SpeakerSeq, which is what makes stale chunks from a cancelled turn
//     detectable: after an interrupt the scheduler is advanced past every
//     sequence the cancelled turn allocated, so late arrivals fall below the
//     current sequence and are discarded.
