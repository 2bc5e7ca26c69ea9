package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/troupelabs/troupe/internal/observe"
	"github.com/troupelabs/troupe/internal/protocol"
)

// Transport is the client-facing send surface of the pipeline. SendJSON wraps
// the payload in the protocol envelope; SendBinary ships one raw frame. Both
// must be safe for concurrent use — the orchestrator and the streamer send
// from different goroutines.
type Transport interface {
	SendJSON(ctx context.Context, msgType string, payload any) error
	SendBinary(ctx context.Context, data []byte) error
}

// Streamer is the session-lifetime consumer of the audio queue. Each chunk
// passes through the speaker-order Scheduler; released chunks are emitted to
// the client as audio_stream_start / audio_chunk / audio_stream_stop messages
// with the PCM payload in a trailing binary frame.
type Streamer struct {
	queue     *Queue[AudioChunk]
	transport Transport
	log       *slog.Logger
	metrics   *observe.Metrics

	// eventHook observes every emitted audio_stream_start and
	// audio_stream_stop; the orchestrator uses it to track turn completion.
	eventHook func(msgType string, c AudioChunk)

	mu               sync.Mutex
	sched            *Scheduler
	currentMessageID string
	suppress         bool
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithStreamerLogger sets the logger.
func WithStreamerLogger(log *slog.Logger) StreamerOption {
	return func(s *Streamer) { s.log = log }
}

// WithStreamerMetrics sets the metrics instance.
func WithStreamerMetrics(m *observe.Metrics) StreamerOption {
	return func(s *Streamer) { s.metrics = m }
}

// WithEventHook registers a callback invoked after every emitted
// audio_stream_start and audio_stream_stop message.
func WithEventHook(hook func(msgType string, c AudioChunk)) StreamerOption {
	return func(s *Streamer) { s.eventHook = hook }
}

// NewStreamer creates a streamer consuming queue. firstSeq is the SpeakerSeq
// the scheduler expects first (0 for a fresh session).
func NewStreamer(queue *Queue[AudioChunk], transport Transport, firstSeq uint64, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		queue:     queue,
		transport: transport,
		sched:     NewScheduler(firstSeq),
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops on the audio queue until ctx is cancelled. A transport send
// failure is treated as a disconnect and returned to the caller; everything
// else is handled locally.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		c, err := s.queue.Get(ctx)
		if err != nil {
			return nil
		}
		s.metrics.QueueDepth.Add(ctx, -1, metric.WithAttributes(observe.Attr("queue", "audio")))
		if err := s.handle(ctx, c); err != nil {
			return fmt.Errorf("pipeline: streamer send: %w", err)
		}
	}
}

// handle schedules one chunk and emits whatever the scheduler releases. The
// lock spans scheduling and emission so that Reset never interleaves with a
// half-emitted chunk.
func (s *Streamer) handle(ctx context.Context, c AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rc := range s.sched.Push(c) {
		if err := s.emit(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) emit(ctx context.Context, c AudioChunk) error {
	if c.IsFinal {
		err := s.transport.SendJSON(ctx, protocol.TypeAudioStreamStop, protocol.AudioStreamStop{
			CharacterID:   c.CharacterID,
			CharacterName: c.CharacterName,
			MessageID:     c.MessageID,
			SpeakerIndex:  c.SpeakerIndex,
		})
		if err != nil {
			return err
		}
		s.currentMessageID = ""
		s.suppress = false
		if s.eventHook != nil {
			s.eventHook(protocol.TypeAudioStreamStop, c)
		}
		return nil
	}

	if s.currentMessageID != c.MessageID {
		rate := c.SampleRate
		if rate == 0 {
			rate = DefaultSampleRate
		}
		err := s.transport.SendJSON(ctx, protocol.TypeAudioStreamStart, protocol.AudioStreamStart{
			CharacterID:   c.CharacterID,
			CharacterName: c.CharacterName,
			MessageID:     c.MessageID,
			SpeakerIndex:  c.SpeakerIndex,
			SampleRate:    rate,
		})
		if err != nil {
			return err
		}
		s.currentMessageID = c.MessageID
		if s.eventHook != nil {
			s.eventHook(protocol.TypeAudioStreamStart, c)
		}
	}

	err := s.transport.SendJSON(ctx, protocol.TypeAudioChunk, protocol.AudioChunk{
		CharacterID:   c.CharacterID,
		CharacterName: c.CharacterName,
		MessageID:     c.MessageID,
		SpeakerIndex:  c.SpeakerIndex,
		SentenceIndex: c.SentenceIndex,
		ChunkIndex:    c.ChunkIndex,
	})
	if err != nil {
		return err
	}
	if !s.suppress {
		if err := s.transport.SendBinary(ctx, c.PCM); err != nil {
			return err
		}
	}
	s.metrics.AudioChunks.Add(ctx, 1)
	return nil
}

// Suppress makes the streamer finish the current speaker silently: chunk
// metadata and lifecycle messages keep flowing, PCM frames are skipped. The
// flag clears on the next audio_stream_stop.
func (s *Streamer) Suppress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppress = true
}

// Reset restores the streamer and its scheduler to the initial state after an
// interrupt. next is the first SpeakerSeq the following turn will use; chunks
// still in flight from the cancelled turn fall below it and are discarded.
// Reset returns only once any in-progress emission has finished.
func (s *Streamer) Reset(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.Reset(next)
	s.currentMessageID = ""
	s.suppress = false
}
